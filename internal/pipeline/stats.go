package pipeline

import (
	"sync/atomic"

	"github.com/glbala87/SPARC/internal/barcode"
)

// Stats are the run tallies. They are produced for aborted runs too, in
// which case Buckets, Molecules, Cells and Genes stay 0.
type Stats struct {
	Total     uint64 `json:"total_reads"`
	Exact     uint64 `json:"exact"`
	Corrected uint64 `json:"corrected"`
	Ambiguous uint64 `json:"ambiguous"`
	Unmatched uint64 `json:"unmatched"`
	Filtered  uint64 `json:"filtered"`

	Buckets   uint64 `json:"buckets"`
	Molecules uint64 `json:"molecules"`
	Cells     int    `json:"cells"`
	Genes     int    `json:"genes"`

	Spills int `json:"spills"`
}

// Valid is the number of reads with a usable barcode.
func (s Stats) Valid() uint64 { return s.Exact + s.Corrected }

// ValidFraction is Valid over Total, 0 for an empty run.
func (s Stats) ValidFraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Valid()) / float64(s.Total)
}

// tally is a worker-local count of correction outcomes.
type tally struct {
	exact, corrected, ambiguous, unmatched uint64
}

func (t *tally) add(s barcode.Status) {
	switch s {
	case barcode.Exact:
		t.exact++
	case barcode.Corrected:
		t.corrected++
	case barcode.Ambiguous:
		t.ambiguous++
	default:
		t.unmatched++
	}
}

// progress is the run-wide view that Stats reads while workers run.
type progress struct {
	exact, corrected, ambiguous, unmatched atomic.Uint64
}

func (p *progress) flush(t *tally) {
	p.exact.Add(t.exact)
	p.corrected.Add(t.corrected)
	p.ambiguous.Add(t.ambiguous)
	p.unmatched.Add(t.unmatched)
	*t = tally{}
}

func (p *progress) snapshot() Stats {
	s := Stats{
		Exact:     p.exact.Load(),
		Corrected: p.corrected.Load(),
		Ambiguous: p.ambiguous.Load(),
		Unmatched: p.unmatched.Load(),
	}
	s.Total = s.Exact + s.Corrected + s.Ambiguous + s.Unmatched
	return s
}
