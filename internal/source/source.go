// Package source adapts decoded sequencing input into (barcode, UMI, gene)
// observations for the pipeline. Decoding itself is left to xopen,
// shenwei356/bio and biogo/hts.
package source

import (
	"io"

	"github.com/pkg/errors"
)

// Read is one extracted observation. Barcode is the raw, uncorrected
// cell barcode.
type Read struct {
	Barcode string
	UMI     string
	Gene    string
}

// Source yields Reads until it returns io.EOF.
type Source interface {
	Next() (Read, error)
	Close() error
}

// Filterer is implemented by sources that drop records before handing
// them out (low quality, unassigned, unmapped).
type Filterer interface {
	Filtered() uint64
}

// Filtered returns the number of records src dropped, or 0 if it does not
// filter.
func Filtered(src Source) uint64 {
	if f, ok := src.(Filterer); ok {
		return f.Filtered()
	}
	return 0
}

type chain struct {
	srcs []Source
	cur  int
}

// Chain reads each source to exhaustion in order.
func Chain(srcs ...Source) Source {
	return &chain{srcs: srcs}
}

func (c *chain) Next() (Read, error) {
	for c.cur < len(c.srcs) {
		r, err := c.srcs[c.cur].Next()
		if err == io.EOF {
			c.cur++
			continue
		}
		return r, err
	}
	return Read{}, io.EOF
}

func (c *chain) Close() error {
	var first error
	for _, s := range c.srcs {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *chain) Filtered() uint64 {
	var n uint64
	for _, s := range c.srcs {
		n += Filtered(s)
	}
	return n
}

type slice struct {
	reads []Read
	pos   int
}

// Slice serves reads from memory.
func Slice(reads []Read) Source {
	return &slice{reads: reads}
}

func (s *slice) Next() (Read, error) {
	if s.pos == len(s.reads) {
		return Read{}, io.EOF
	}
	s.pos++
	return s.reads[s.pos-1], nil
}

func (s *slice) Close() error { return nil }

// Open opens every path with the adapter for format ("tsv", "fastq" or
// "bam") and chains them.
func Open(format string, paths []string, layout Layout, tags Tags) (Source, error) {
	if len(paths) == 0 {
		return nil, errors.New("no input files")
	}
	srcs := make([]Source, 0, len(paths))
	for _, path := range paths {
		var (
			s   Source
			err error
		)
		switch format {
		case "tsv", "":
			s, err = OpenTSV(path)
		case "fastq":
			s, err = OpenFASTQ(path, layout)
		case "bam":
			s, err = OpenBAM(path, tags)
		default:
			err = errors.Errorf("unknown input format %q", format)
		}
		if err != nil {
			Chain(srcs...).Close()
			return nil, err
		}
		srcs = append(srcs, s)
	}
	if len(srcs) == 1 {
		return srcs[0], nil
	}
	return Chain(srcs...), nil
}
