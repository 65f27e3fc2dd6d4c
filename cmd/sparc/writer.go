package main

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"

	"github.com/glbala87/SPARC/internal/barcode"
)

// correction is one output line of the correct command.
type correction struct {
	raw    string
	result barcode.Result
}

// RecordWriter writes corrections in an async fashion
// Call Close() when you're done!
type RecordWriter struct {
	writer  *xopen.Writer
	cache   []correction
	records chan []correction
	errors  chan error
}

func (w *RecordWriter) Write(raw string, res barcode.Result) {
	w.cache = append(w.cache, correction{raw, res})
	if cap(w.cache) == len(w.cache) {
		w.Flush()
	}
}

// Close flushes what is cached and returns the first write error.
func (w *RecordWriter) Close() error {
	w.Flush()
	close(w.records)
	return <-w.errors
}

// Flush hands the cache to the writer goroutine. It gets a fresh cache
// since the old one is still being written.
func (w *RecordWriter) Flush() {
	if len(w.cache) == 0 {
		return
	}
	w.records <- w.cache
	w.cache = make([]correction, 0, cap(w.cache))
}

// NewRecordWriter creates a nice new writer. "-" is stdout, a .gz suffix
// compresses.
// cachesize: How many records to buffer at a time
func NewRecordWriter(filename string, cachesize int) (*RecordWriter, error) {
	writer, err := xopen.Wopen(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", filename)
	}

	w := RecordWriter{
		cache:   make([]correction, 0, cachesize),
		records: make(chan []correction), // unbuffered
		errors:  make(chan error, 1),
		writer:  writer,
	}

	go func(w *RecordWriter) {
		var first error
		buf := make([]byte, 0, 128)
		for records := range w.records {
			if first != nil {
				continue
			}
			for _, rec := range records {
				buf = appendCorrection(buf[:0], rec)
				if _, err := w.writer.Write(buf); err != nil {
					first = errors.Wrapf(err, "write %s", filename)
					break
				}
			}
		}
		if err := w.writer.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s", filename)
		}
		w.errors <- first
	}(&w)
	return &w, nil
}

// appendCorrection formats "raw\tstatus\tcorrected\tdistance\n". Corrected
// is "-" unless the read keeps a barcode; distance is "-" for unmatched
// reads.
func appendCorrection(buf []byte, c correction) []byte {
	buf = append(buf, c.raw...)
	buf = append(buf, '\t')
	buf = append(buf, c.result.Status.String()...)
	buf = append(buf, '\t')
	if c.result.Valid() {
		buf = append(buf, c.result.Corrected...)
	} else {
		buf = append(buf, '-')
	}
	buf = append(buf, '\t')
	if c.result.Status == barcode.Unmatched {
		buf = append(buf, '-')
	} else {
		buf = strconv.AppendInt(buf, int64(c.result.Distance), 10)
	}
	return append(buf, '\n')
}
