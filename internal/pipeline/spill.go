package pipeline

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/glbala87/SPARC/internal/umi"
)

// Key identifies one UMI bucket.
type Key struct {
	Barcode string
	Gene    string
}

func partitionOf(k Key, parts int) int { return partitionAt(k, 0, parts) }

// partitionAt hashes k with a per-level seed, so a partition split at
// level n spreads its keys independently of how level n-1 grouped them.
func partitionAt(k Key, level, parts int) int {
	d := xxhash.New()
	if level > 0 {
		d.Write([]byte{byte(level), 0xff})
	}
	d.WriteString(k.Barcode)
	d.Write([]byte{0})
	d.WriteString(k.Gene)
	return int(d.Sum64() % uint64(parts))
}

// resident is the number of distinct (key, umi) entries in buckets.
func resident(buckets map[Key]umi.Bucket) int {
	var n int
	for _, b := range buckets {
		n += len(b)
	}
	return n
}

// spiller owns the temporary directory that shards flush buckets into.
// Each flush writes one snappy stream per non-empty partition; a record is
// barcode, gene, UMI count, then (umi, count) pairs, strings length
// prefixed, integers as uvarints.
type spiller struct {
	dir   string
	parts int

	mu    sync.Mutex
	files [][]string // by partition
	sizes []int      // spilled entries by partition, an upper bound
	seq   int        // shard flushes
	names int
}

func newSpiller(parent string, parts int) (*spiller, error) {
	dir, err := os.MkdirTemp(parent, "sparc-spill-")
	if err != nil {
		return nil, errors.Wrap(err, "create spill directory")
	}
	return &spiller{
		dir:   dir,
		parts: parts,
		files: make([][]string, parts),
		sizes: make([]int, parts),
	}, nil
}

func (s *spiller) name(prefix string) string {
	s.mu.Lock()
	n := s.names
	s.names++
	s.mu.Unlock()
	return filepath.Join(s.dir, fmt.Sprintf("%s-%05d.sz", prefix, n))
}

// spill writes the buckets out; the caller drops them afterwards.
func (s *spiller) spill(buckets map[Key]umi.Bucket) error {
	byPart := make([][]Key, s.parts)
	for k := range buckets {
		p := partitionOf(k, s.parts)
		byPart[p] = append(byPart[p], k)
	}

	s.mu.Lock()
	s.seq++
	s.mu.Unlock()

	for p, keys := range byPart {
		if len(keys) == 0 {
			continue
		}
		path := s.name(fmt.Sprintf("spill-p%03d", p))
		if err := writeSpill(path, keys, buckets); err != nil {
			return err
		}
		var n int
		for _, k := range keys {
			n += len(buckets[k])
		}
		s.mu.Lock()
		s.files[p] = append(s.files[p], path)
		s.sizes[p] += n
		s.mu.Unlock()
	}
	return nil
}

// writeBuckets writes all of buckets to one new file.
func (s *spiller) writeBuckets(buckets map[Key]umi.Bucket) (string, error) {
	keys := make([]Key, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	path := s.name("rest")
	return path, writeSpill(path, keys, buckets)
}

// load merges every record of files into dst.
func (s *spiller) load(files []string, dst map[Key]umi.Bucket) error {
	for _, path := range files {
		if err := readSpill(path, mergeInto(dst)); err != nil {
			return err
		}
	}
	return nil
}

// subPartition is one output of split.
type subPartition struct {
	files  []string
	size   int  // entries, an upper bound
	single bool // every record carries the same key
}

// split rehashes the records of files into fanout new files at level and
// removes the inputs. Empty outputs are nil.
func (s *spiller) split(files []string, level, fanout int) ([]*subPartition, error) {
	ws := make([]*spillWriter, fanout)
	out := make([]*subPartition, fanout)
	first := make([]Key, fanout)
	abort := func() {
		for _, w := range ws {
			if w != nil {
				w.abort()
			}
		}
	}
	for _, path := range files {
		err := readSpill(path, func(k Key, b umi.Bucket) error {
			i := partitionAt(k, level, fanout)
			if ws[i] == nil {
				w, err := createSpill(s.name(fmt.Sprintf("split-l%d", level)))
				if err != nil {
					return err
				}
				ws[i] = w
				out[i] = &subPartition{files: []string{w.path}, single: true}
				first[i] = k
			}
			out[i].size += len(b)
			if k != first[i] {
				out[i].single = false
			}
			return ws[i].write(k, b)
		})
		if err != nil {
			abort()
			return nil, err
		}
		if err := os.Remove(path); err != nil {
			abort()
			return nil, errors.Wrap(err, "remove split input")
		}
	}
	for i, w := range ws {
		if w == nil {
			continue
		}
		ws[i] = nil
		if err := w.close(); err != nil {
			abort()
			return nil, err
		}
	}
	return out, nil
}

func (s *spiller) cleanup() error {
	return os.RemoveAll(s.dir)
}

type spillWriter struct {
	path string
	f    *os.File
	w    *snappy.Writer
	buf  []byte
}

func createSpill(path string) (*spillWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create spill file")
	}
	return &spillWriter{path: path, f: f, w: snappy.NewBufferedWriter(f)}, nil
}

func (w *spillWriter) write(k Key, b umi.Bucket) error {
	buf := appendString(w.buf[:0], k.Barcode)
	buf = appendString(buf, k.Gene)
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	for u, n := range b {
		buf = appendString(buf, u)
		buf = binary.AppendUvarint(buf, uint64(n))
	}
	w.buf = buf
	_, err := w.w.Write(buf)
	return errors.Wrapf(err, "write %s", w.path)
}

func (w *spillWriter) close() error {
	if err := w.w.Close(); err != nil {
		w.f.Close()
		return errors.Wrapf(err, "flush %s", w.path)
	}
	return errors.Wrapf(w.f.Close(), "close %s", w.path)
}

func (w *spillWriter) abort() { w.f.Close() }

func writeSpill(path string, keys []Key, buckets map[Key]umi.Bucket) error {
	w, err := createSpill(path)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := w.write(k, buckets[k]); err != nil {
			w.abort()
			return err
		}
	}
	return w.close()
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// mergeInto folds each record into dst.
func mergeInto(dst map[Key]umi.Bucket) func(Key, umi.Bucket) error {
	return func(k Key, b umi.Bucket) error {
		if have, ok := dst[k]; ok {
			have.Merge(b)
		} else {
			dst[k] = b
		}
		return nil
	}
}

// readSpill hands every record of path to fn, one fresh bucket each.
func readSpill(path string, fn func(Key, umi.Bucket) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open spill file")
	}
	defer f.Close()
	r := bufio.NewReader(snappy.NewReader(f))
	for {
		bc, err := readString(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		gene, err := readString(r)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		b := make(umi.Bucket, n)
		for ; n > 0; n-- {
			u, err := readString(r)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			c, err := binary.ReadUvarint(r)
			if err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
			b.Add(u, umi.Clamp(c))
		}
		if err := fn(Key{Barcode: bc, Gene: gene}, b); err != nil {
			return err
		}
	}
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}
