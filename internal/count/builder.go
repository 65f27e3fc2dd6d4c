// Package count accumulates deduplicated (cell, gene) counts and
// finalizes them into a sparse matrix.
package count

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/glbala87/SPARC/internal/errs"
)

// Gene is one feature row label.
type Gene struct {
	ID   string
	Name string
}

type key struct {
	barcode, gene int32
}

// Builder sums counts per (barcode, gene) and is finalized exactly once by
// Build. It is not safe for concurrent use; the pipeline feeds it from a
// single reduction goroutine.
type Builder struct {
	genes   []Gene
	geneIdx map[string]int32

	barcodes   []string // first-seen order
	barcodeIdx map[string]int32
	rank       map[string]int // canonical barcode order, nil when unset

	counts map[key]uint32
	built  bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithGenes fixes the gene axis to the reference order. Every reference gene
// gets a row, counted or not; genes outside the reference are appended in
// first-seen order.
func WithGenes(genes []Gene) Option {
	return func(b *Builder) {
		for _, g := range genes {
			if _, dup := b.geneIdx[g.ID]; dup {
				continue
			}
			if g.Name == "" {
				g.Name = g.ID
			}
			b.geneIdx[g.ID] = int32(len(b.genes))
			b.genes = append(b.genes, g)
		}
	}
}

// WithBarcodeOrder orders the barcode axis by the given canonical list
// (typically the whitelist). Only barcodes that received counts get a
// column; barcodes missing from the list follow in first-seen order.
func WithBarcodeOrder(barcodes []string) Option {
	return func(b *Builder) {
		b.rank = make(map[string]int, len(barcodes))
		for i, bc := range barcodes {
			if _, dup := b.rank[bc]; !dup {
				b.rank[bc] = i
			}
		}
	}
}

// NewBuilder returns an empty builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		geneIdx:    make(map[string]int32),
		barcodeIdx: make(map[string]int32),
		counts:     make(map[key]uint32),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add sums count into (barcode, gene). Zero counts are ignored.
func (b *Builder) Add(barcode, gene string, count uint32) error {
	if b.built {
		return &errs.StateError{Op: "add"}
	}
	if barcode == "" || gene == "" {
		return errors.Errorf("empty label in (%q, %q)", barcode, gene)
	}
	if count == 0 {
		return nil
	}
	bi, ok := b.barcodeIdx[barcode]
	if !ok {
		bi = int32(len(b.barcodes))
		b.barcodeIdx[barcode] = bi
		b.barcodes = append(b.barcodes, barcode)
	}
	gi, ok := b.geneIdx[gene]
	if !ok {
		gi = int32(len(b.genes))
		b.geneIdx[gene] = gi
		b.genes = append(b.genes, Gene{ID: gene, Name: gene})
	}
	b.counts[key{bi, gi}] += count
	return nil
}

// Len is the number of distinct (barcode, gene) pairs so far.
func (b *Builder) Len() int { return len(b.counts) }

// Build freezes the builder and returns the matrix, entries sorted by
// barcode column then gene row.
func (b *Builder) Build() (*Matrix, error) {
	if b.built {
		return nil, &errs.StateError{Op: "build"}
	}
	b.built = true

	col := b.barcodeColumns()
	barcodes := make([]string, len(b.barcodes))
	for i, bc := range b.barcodes {
		barcodes[col[i]] = bc
	}

	m := &Matrix{
		Barcodes: barcodes,
		Genes:    append([]Gene(nil), b.genes...),
		Rows:     make([]int, 0, len(b.counts)),
		Cols:     make([]int, 0, len(b.counts)),
		Values:   make([]uint32, 0, len(b.counts)),
	}
	keys := make([]key, 0, len(b.counts))
	for k := range b.counts {
		keys = append(keys, key{barcode: int32(col[k.barcode]), gene: k.gene})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].barcode != keys[j].barcode {
			return keys[i].barcode < keys[j].barcode
		}
		return keys[i].gene < keys[j].gene
	})
	inv := make([]int32, len(col))
	for first, c := range col {
		inv[c] = int32(first)
	}
	for _, k := range keys {
		m.Rows = append(m.Rows, int(k.gene))
		m.Cols = append(m.Cols, int(k.barcode))
		m.Values = append(m.Values, b.counts[key{inv[k.barcode], k.gene}])
	}
	b.counts = nil
	return m, nil
}

// barcodeColumns maps first-seen index to final column.
func (b *Builder) barcodeColumns() []int {
	col := make([]int, len(b.barcodes))
	if b.rank == nil {
		for i := range col {
			col[i] = i
		}
		return col
	}
	order := make([]int, len(b.barcodes))
	for i := range order {
		order[i] = i
	}
	rank := func(i int) (int, bool) {
		r, ok := b.rank[b.barcodes[i]]
		return r, ok
	}
	sort.SliceStable(order, func(x, y int) bool {
		rx, okx := rank(order[x])
		ry, oky := rank(order[y])
		switch {
		case okx && oky:
			return rx < ry
		case okx != oky:
			return okx
		}
		return order[x] < order[y]
	})
	for c, first := range order {
		col[first] = c
	}
	return col
}
