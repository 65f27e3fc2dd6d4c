package barcode

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Index finds the whitelist entries closest to a raw barcode.
//
// Nearest appends to dst the positions of all whitelist entries at the
// smallest Hamming distance from raw that does not exceed maxMismatch, and
// returns them along with that distance. raw has already been checked for
// length and alphabet and is not itself a whitelist member. Implementations
// are immutable after construction and safe for concurrent use.
type Index interface {
	Nearest(dst []int32, raw string, maxMismatch int) ([]int32, int)
}

// VariantIndex maps every string within depth substitutions of a whitelist
// entry to the entries it could have come from. Memory grows with
// |whitelist|·L·4^depth; lookups are a single hash probe.
type VariantIndex struct {
	wl    *Whitelist
	depth int

	// variants holds either a whitelist position (>= 0) or, for strings
	// shared by several entries, -(i+1) indexing into shared.
	variants map[uint64]int32
	shared   [][]int32
}

// NewVariantIndex precomputes the variant table. The whitelist length must
// not exceed 21; use NewBKTree for longer barcodes.
func NewVariantIndex(wl *Whitelist, depth int) *VariantIndex {
	if depth < 1 {
		depth = 1
	}
	start := time.Now()
	hint := wl.Len() * wl.Length() * (len(alphabet) - 1)
	if depth > 1 || hint > 1<<26 {
		hint = 1 << 26
	}
	idx := &VariantIndex{
		wl:       wl,
		depth:    depth,
		variants: make(map[uint64]int32, hint),
	}
	for pos, bc := range wl.barcodes {
		code, _ := pack(bc)
		p := int32(pos)
		mismatches(code, wl.length, depth, func(v uint64) {
			idx.add(v, p)
		})
	}
	log.WithFields(log.Fields{
		"depth":    depth,
		"variants": len(idx.variants),
		"shared":   len(idx.shared),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Debug("built barcode variant table")
	return idx
}

func (idx *VariantIndex) add(v uint64, pos int32) {
	cur, ok := idx.variants[v]
	switch {
	case !ok:
		idx.variants[v] = pos
	case cur >= 0:
		idx.shared = append(idx.shared, []int32{cur, pos})
		idx.variants[v] = -int32(len(idx.shared))
	default:
		i := -cur - 1
		idx.shared[i] = append(idx.shared[i], pos)
	}
}

// Depth is the substitution budget the table was built for.
func (idx *VariantIndex) Depth() int { return idx.depth }

// Nearest implements Index. Budgets beyond the table depth fall back to a
// full scan so the answer stays exact.
func (idx *VariantIndex) Nearest(dst []int32, raw string, maxMismatch int) ([]int32, int) {
	if maxMismatch > idx.depth {
		return scanNearest(idx.wl, dst, raw, maxMismatch)
	}
	code, ok := pack(raw)
	if !ok {
		return dst, 0
	}
	v, ok := idx.variants[code]
	if !ok {
		return dst, 0
	}
	if v >= 0 {
		d := hamming(raw, idx.wl.at(v), maxMismatch)
		if d > maxMismatch {
			return dst, 0
		}
		return append(dst, v), d
	}
	return closest(idx.wl, dst, raw, idx.shared[-v-1], maxMismatch)
}

// closest keeps the candidates at minimal distance <= limit.
func closest(wl *Whitelist, dst []int32, raw string, cands []int32, limit int) ([]int32, int) {
	best := limit + 1
	start := len(dst)
	for _, c := range cands {
		d := hamming(raw, wl.at(c), best)
		if d > limit {
			continue
		}
		switch {
		case d < best:
			best = d
			dst = append(dst[:start], c)
		case d == best:
			dst = append(dst, c)
		}
	}
	if best > limit {
		return dst[:start], 0
	}
	return dst, best
}

func scanNearest(wl *Whitelist, dst []int32, raw string, limit int) ([]int32, int) {
	best := limit + 1
	start := len(dst)
	for pos, bc := range wl.barcodes {
		d := hamming(raw, bc, best)
		if d > limit {
			continue
		}
		switch {
		case d < best:
			best = d
			dst = append(dst[:start], int32(pos))
		case d == best:
			dst = append(dst, int32(pos))
		}
	}
	if best > limit {
		return dst[:start], 0
	}
	return dst, best
}

// scanIndex is the brute-force Index, used when no correction budget was
// requested at construction time.
type scanIndex struct{ wl *Whitelist }

func (s scanIndex) Nearest(dst []int32, raw string, maxMismatch int) ([]int32, int) {
	return scanNearest(s.wl, dst, raw, maxMismatch)
}
