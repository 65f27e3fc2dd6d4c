// Package barcode loads cell-barcode whitelists and corrects raw
// barcodes against them.
package barcode

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"
	log "github.com/sirupsen/logrus"

	"github.com/glbala87/SPARC/internal/errs"
)

// Whitelist is the immutable set of valid barcodes for a run. It is safe
// for concurrent reads.
type Whitelist struct {
	barcodes  []string
	index     map[string]int32
	abundance []float64 // nil without a prior column
	length    int
}

// Load reads a whitelist file (plain or gzip). See Read for the format.
func Load(path string, length int) (*Whitelist, error) {
	r, err := xopen.Ropen(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open whitelist %s", path)
	}
	defer r.Close()

	wl, err := read(r, path, length)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"path":     path,
		"barcodes": wl.Len(),
		"length":   wl.length,
		"prior":    wl.HasPrior(),
	}).Info("loaded whitelist")
	return wl, nil
}

// Read parses one barcode per line, optionally followed by a tab and an
// abundance prior. Blank lines and lines starting with '#' are skipped.
// A length of 0 takes the length from the first barcode.
func Read(r io.Reader, length int) (*Whitelist, error) {
	return read(r, "", length)
}

func read(r io.Reader, path string, length int) (*Whitelist, error) {
	wl := &Whitelist{
		index:  make(map[string]int32),
		length: length,
	}
	var priors []float64
	hasPrior := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		bc, rest, tabbed := strings.Cut(line, "\t")
		if bc == "" {
			return nil, errs.Formatf(path, lineNo, "empty barcode")
		}
		if wl.length == 0 {
			wl.length = len(bc)
		}
		if len(bc) != wl.length {
			return nil, errs.Formatf(path, lineNo, "barcode %q has length %d, want %d", bc, len(bc), wl.length)
		}
		if !validBases(bc) {
			return nil, errs.Formatf(path, lineNo, "barcode %q has characters outside ACGTN", bc)
		}
		if _, dup := wl.index[bc]; dup {
			return nil, errs.Formatf(path, lineNo, "duplicate barcode %q", bc)
		}
		prior := 0.0
		if tabbed {
			field, _, _ := strings.Cut(rest, "\t")
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil || v < 0 {
				return nil, errs.Formatf(path, lineNo, "invalid abundance %q", field)
			}
			prior = v
			hasPrior = true
		}
		wl.index[bc] = int32(len(wl.barcodes))
		wl.barcodes = append(wl.barcodes, bc)
		priors = append(priors, prior)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read whitelist")
	}
	if len(wl.barcodes) == 0 {
		return nil, errs.Formatf(path, 0, "whitelist is empty")
	}
	if hasPrior {
		wl.abundance = priors
	}
	return wl, nil
}

// New builds a whitelist from memory, applying the same validation as Read.
func New(barcodes []string) (*Whitelist, error) {
	return Read(strings.NewReader(strings.Join(barcodes, "\n")), 0)
}

// Contains is the exact membership test.
func (w *Whitelist) Contains(barcode string) bool {
	_, ok := w.index[barcode]
	return ok
}

// Len is the number of barcodes.
func (w *Whitelist) Len() int { return len(w.barcodes) }

// Length is the fixed barcode length.
func (w *Whitelist) Length() int { return w.length }

// Barcodes returns the barcodes in file order. The slice must not be
// modified.
func (w *Whitelist) Barcodes() []string { return w.barcodes }

// HasPrior reports whether the file carried an abundance column.
func (w *Whitelist) HasPrior() bool { return w.abundance != nil }

// Abundance returns the prior for barcode, 0 when absent.
func (w *Whitelist) Abundance(barcode string) float64 {
	i, ok := w.index[barcode]
	if !ok || w.abundance == nil {
		return 0
	}
	return w.abundance[i]
}

func (w *Whitelist) at(pos int32) string { return w.barcodes[pos] }
