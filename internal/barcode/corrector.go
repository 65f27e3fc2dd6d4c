package barcode

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Status classifies a raw barcode.
type Status uint8

const (
	Unmatched Status = iota
	Exact
	Corrected
	Ambiguous
)

func (s Status) String() string {
	switch s {
	case Exact:
		return "exact"
	case Corrected:
		return "corrected"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unmatched"
	}
}

// Result is the outcome of matching one raw barcode. Corrected is empty
// unless Status is Exact or Corrected, and is then always a whitelist
// member. Candidates counts the entries tied at Distance.
type Result struct {
	Status     Status
	Corrected  string
	Distance   int
	Candidates int
}

// Valid reports whether the read keeps a whitelist barcode.
func (r Result) Valid() bool { return r.Status == Exact || r.Status == Corrected }

// Options configure NewCorrector.
type Options struct {
	// MaxMismatch is the largest budget Match will be asked for. It picks
	// the index: 0 builds none, up to VariantDepth builds the variant table,
	// anything larger a BK-tree.
	MaxMismatch int
	// VariantDepth bounds the variant table; 0 means 1.
	VariantDepth int
	// AbundanceTieBreak resolves ties toward the candidate with the
	// strictly highest whitelist prior.
	AbundanceTieBreak bool
}

// Corrector matches raw barcodes against a whitelist. It has no mutable
// state and may be shared by any number of goroutines.
type Corrector struct {
	wl       *Whitelist
	index    Index
	tieBreak bool
}

// NewCorrector builds the index suited to opts.
func NewCorrector(wl *Whitelist, opts Options) *Corrector {
	depth := opts.VariantDepth
	if depth < 1 {
		depth = 1
	}
	var idx Index
	switch {
	case opts.MaxMismatch <= 0:
		idx = scanIndex{wl}
	case opts.MaxMismatch <= depth && wl.Length() <= maxPackedLen:
		idx = NewVariantIndex(wl, depth)
	default:
		idx = NewBKTree(wl)
	}
	return NewCorrectorWithIndex(wl, idx, opts.AbundanceTieBreak)
}

// NewCorrectorWithIndex uses a caller-supplied index strategy.
func NewCorrectorWithIndex(wl *Whitelist, idx Index, abundanceTieBreak bool) *Corrector {
	return &Corrector{wl: wl, index: idx, tieBreak: abundanceTieBreak}
}

// Whitelist returns the whitelist the corrector was built on.
func (c *Corrector) Whitelist() *Whitelist { return c.wl }

// Match classifies raw. Malformed input is Unmatched, never an error.
func (c *Corrector) Match(raw string, maxMismatch int) Result {
	if len(raw) != c.wl.length {
		return Result{}
	}
	if c.wl.Contains(raw) {
		return Result{Status: Exact, Corrected: raw, Candidates: 1}
	}
	if maxMismatch <= 0 || !validBases(raw) {
		return Result{}
	}

	var buf [8]int32
	cands, d := c.index.Nearest(buf[:0], raw, maxMismatch)
	switch len(cands) {
	case 0:
		return Result{}
	case 1:
		return Result{Status: Corrected, Corrected: c.wl.at(cands[0]), Distance: d, Candidates: 1}
	}
	if c.tieBreak && c.wl.HasPrior() {
		if pos, ok := c.mostAbundant(cands); ok {
			return Result{Status: Corrected, Corrected: c.wl.at(pos), Distance: d, Candidates: len(cands)}
		}
	}
	return Result{Status: Ambiguous, Distance: d, Candidates: len(cands)}
}

func (c *Corrector) mostAbundant(cands []int32) (int32, bool) {
	best, bestPos, tied := -1.0, int32(-1), false
	for _, pos := range cands {
		a := c.wl.abundance[pos]
		switch {
		case a > best:
			best, bestPos, tied = a, pos, false
		case a == best:
			tied = true
		}
	}
	return bestPos, !tied
}

// MatchBatch matches every raw barcode in order.
func (c *Corrector) MatchBatch(raws []string, maxMismatch int) []Result {
	out := make([]Result, len(raws))
	for i, raw := range raws {
		out[i] = c.Match(raw, maxMismatch)
	}
	return out
}

// MatchBatchParallel is MatchBatch split across workers goroutines
// (GOMAXPROCS when workers < 1). Results are identical to MatchBatch.
func (c *Corrector) MatchBatchParallel(raws []string, maxMismatch, workers int) []Result {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]Result, len(raws))
	step := (len(raws) + workers - 1) / workers
	if step == 0 {
		return out
	}
	var g errgroup.Group
	for lo := 0; lo < len(raws); lo += step {
		lo, hi := lo, lo+step
		if hi > len(raws) {
			hi = len(raws)
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				out[i] = c.Match(raws[i], maxMismatch)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
