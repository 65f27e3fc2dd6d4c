package count

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"

	"github.com/glbala87/SPARC/internal/errs"
)

// File names inside a matrix directory. Each may carry a .gz suffix.
const (
	MatrixFile   = "matrix.mtx"
	BarcodesFile = "barcodes.tsv"
	FeaturesFile = "features.tsv"
)

const mtxHeader = "%%MatrixMarket matrix coordinate integer general"

// WriteMTX writes the entries as 1-indexed "row col value" lines after the
// MatrixMarket header and the "genes barcodes nnz" size line.
func WriteMTX(w io.Writer, m *Matrix) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, mtxHeader)
	fmt.Fprintln(bw, "%")
	fmt.Fprintf(bw, "%d %d %d\n", len(m.Genes), len(m.Barcodes), len(m.Values))
	for i, v := range m.Values {
		fmt.Fprintf(bw, "%d %d %d\n", m.Rows[i]+1, m.Cols[i]+1, v)
	}
	return bw.Flush()
}

// WriteBarcodes writes one barcode per line.
func WriteBarcodes(w io.Writer, m *Matrix) error {
	bw := bufio.NewWriter(w)
	for _, bc := range m.Barcodes {
		bw.WriteString(bc)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteFeatures writes "gene-id\tgene-name" lines.
func WriteFeatures(w io.Writer, m *Matrix) error {
	bw := bufio.NewWriter(w)
	for _, g := range m.Genes {
		fmt.Fprintf(bw, "%s\t%s\n", g.ID, g.Name)
	}
	return bw.Flush()
}

// WriteDir writes the three interchange files into dir, gzip-compressed
// when gz is set.
func WriteDir(dir string, m *Matrix, gz bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create matrix directory")
	}
	suffix := ""
	if gz {
		suffix = ".gz"
	}
	files := []struct {
		name  string
		write func(io.Writer, *Matrix) error
	}{
		{MatrixFile, WriteMTX},
		{BarcodesFile, WriteBarcodes},
		{FeaturesFile, WriteFeatures},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name+suffix)
		w, err := xopen.Wopen(path)
		if err != nil {
			return errors.Wrapf(err, "create %s", path)
		}
		if err := f.write(w, m); err != nil {
			w.Close()
			return errors.Wrapf(err, "write %s", path)
		}
		if err := w.Close(); err != nil {
			return errors.Wrapf(err, "close %s", path)
		}
	}
	return nil
}

// ReadDir parses a directory written by WriteDir (or any 10x-style
// matrix directory), plain or gzip.
func ReadDir(dir string) (*Matrix, error) {
	open := func(name string) (*xopen.Reader, string, error) {
		for _, path := range []string{filepath.Join(dir, name), filepath.Join(dir, name+".gz")} {
			if _, err := os.Stat(path); err == nil {
				r, err := xopen.Ropen(path)
				if err != nil {
					return nil, path, errors.Wrapf(err, "open %s", path)
				}
				return r, path, nil
			}
		}
		return nil, "", errors.Errorf("%s: no %s", dir, name)
	}

	br, bpath, err := open(BarcodesFile)
	if err != nil {
		return nil, err
	}
	defer br.Close()
	barcodes, err := readBarcodes(br, bpath)
	if err != nil {
		return nil, err
	}

	fr, fpath, err := open(FeaturesFile)
	if err != nil {
		return nil, err
	}
	defer fr.Close()
	genes, err := readGenes(fr, fpath)
	if err != nil {
		return nil, err
	}

	mr, mpath, err := open(MatrixFile)
	if err != nil {
		return nil, err
	}
	defer mr.Close()
	m := &Matrix{Barcodes: barcodes, Genes: genes}
	if err := readMTX(mr, mpath, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadMatrix parses the three interchange streams.
func ReadMatrix(mtx, barcodes, features io.Reader) (*Matrix, error) {
	bcs, err := readBarcodes(barcodes, BarcodesFile)
	if err != nil {
		return nil, err
	}
	genes, err := readGenes(features, FeaturesFile)
	if err != nil {
		return nil, err
	}
	m := &Matrix{Barcodes: bcs, Genes: genes}
	if err := readMTX(mtx, MatrixFile, m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadGenes reads a reference feature list ("id" or "id\tname[\t...]" per
// line), plain or gzip.
func LoadGenes(path string) ([]Gene, error) {
	r, err := xopen.Ropen(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer r.Close()
	return readGenes(r, path)
}

func readBarcodes(r io.Reader, path string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	err := eachLine(r, func(lineNo int, line string) error {
		if line == "" {
			return errs.Formatf(path, lineNo, "empty barcode")
		}
		if _, dup := seen[line]; dup {
			return errs.Formatf(path, lineNo, "duplicate barcode %q", line)
		}
		seen[line] = struct{}{}
		out = append(out, line)
		return nil
	})
	return out, err
}

func readGenes(r io.Reader, path string) ([]Gene, error) {
	var out []Gene
	seen := make(map[string]struct{})
	err := eachLine(r, func(lineNo int, line string) error {
		fields := strings.Split(line, "\t")
		g := Gene{ID: fields[0], Name: fields[0]}
		if len(fields) > 1 {
			g.Name = fields[1]
		}
		if g.ID == "" {
			return errs.Formatf(path, lineNo, "empty gene id")
		}
		if _, dup := seen[g.ID]; dup {
			return errs.Formatf(path, lineNo, "duplicate gene id %q", g.ID)
		}
		seen[g.ID] = struct{}{}
		out = append(out, g)
		return nil
	})
	return out, err
}

func readMTX(r io.Reader, path string, m *Matrix) error {
	type cell struct{ row, col int }
	var (
		sized          bool
		nnz            int
		seen           map[cell]struct{}
		nRows, nCols   int
		headerRequired = true
	)
	err := eachLine(r, func(lineNo int, line string) error {
		if headerRequired {
			headerRequired = false
			if !strings.EqualFold(strings.Join(strings.Fields(line), " "), mtxHeader) {
				return errs.Formatf(path, lineNo, "unsupported header %q", line)
			}
			return nil
		}
		if line == "" || strings.HasPrefix(line, "%") {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return errs.Formatf(path, lineNo, "want 3 fields, got %d", len(fields))
		}
		a, err1 := strconv.Atoi(fields[0])
		b, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return errs.Formatf(path, lineNo, "bad index in %q", line)
		}
		if !sized {
			c, err := strconv.Atoi(fields[2])
			if err != nil || a < 0 || b < 0 || c < 0 {
				return errs.Formatf(path, lineNo, "bad size line %q", line)
			}
			if a != len(m.Genes) || b != len(m.Barcodes) {
				return errs.Formatf(path, lineNo, "size %dx%d does not match %d genes and %d barcodes",
					a, b, len(m.Genes), len(m.Barcodes))
			}
			sized, nRows, nCols, nnz = true, a, b, c
			seen = make(map[cell]struct{}, nnz)
			m.Rows = make([]int, 0, nnz)
			m.Cols = make([]int, 0, nnz)
			m.Values = make([]uint32, 0, nnz)
			return nil
		}
		v, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return errs.Formatf(path, lineNo, "bad value %q", fields[2])
		}
		if a < 1 || a > nRows || b < 1 || b > nCols {
			return errs.Formatf(path, lineNo, "entry (%d, %d) outside %dx%d", a, b, nRows, nCols)
		}
		if len(m.Values) == nnz {
			return errs.Formatf(path, lineNo, "more than %d entries", nnz)
		}
		c := cell{a - 1, b - 1}
		if _, dup := seen[c]; dup {
			return errs.Formatf(path, lineNo, "duplicate entry (%d, %d)", a, b)
		}
		seen[c] = struct{}{}
		m.Rows = append(m.Rows, c.row)
		m.Cols = append(m.Cols, c.col)
		m.Values = append(m.Values, uint32(v))
		return nil
	})
	if err != nil {
		return err
	}
	if headerRequired {
		return errs.Formatf(path, 0, "empty matrix file")
	}
	if !sized {
		return errs.Formatf(path, 0, "missing size line")
	}
	if len(m.Values) != nnz {
		return errs.Formatf(path, 0, "size line declares %d entries, found %d", nnz, len(m.Values))
	}
	return nil
}

func eachLine(r io.Reader, fn func(lineNo int, line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := fn(lineNo, strings.TrimRight(scanner.Text(), "\r")); err != nil {
			return err
		}
	}
	return errors.Wrap(scanner.Err(), "read")
}
