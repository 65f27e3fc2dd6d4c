package source

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"

	"github.com/glbala87/SPARC/internal/errs"
)

// TSV reads "barcode\tumi\tgene" lines. Blank and '#' lines are skipped;
// extra columns are ignored.
type TSV struct {
	path    string
	closer  io.Closer
	scanner *bufio.Scanner
	line    int
}

// OpenTSV opens a plain or gzip triple file.
func OpenTSV(path string) (*TSV, error) {
	r, err := xopen.Ropen(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	t := NewTSV(r, path)
	t.closer = r
	return t, nil
}

// NewTSV reads triples from r; path is only used in errors.
func NewTSV(r io.Reader, path string) *TSV {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &TSV{path: path, scanner: scanner}
}

func (t *TSV) Next() (Read, error) {
	for t.scanner.Scan() {
		t.line++
		line := strings.TrimRight(t.scanner.Text(), "\r")
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) < 3 {
			return Read{}, errs.Formatf(t.path, t.line, "want barcode, umi and gene columns, got %d", len(fields))
		}
		r := Read{Barcode: fields[0], UMI: fields[1], Gene: fields[2]}
		if r.Barcode == "" || r.UMI == "" || r.Gene == "" {
			return Read{}, errs.Formatf(t.path, t.line, "empty field in %q", line)
		}
		return r, nil
	}
	if err := t.scanner.Err(); err != nil {
		return Read{}, errors.Wrapf(err, "read %s", t.path)
	}
	return Read{}, io.EOF
}

func (t *TSV) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
