package barcode

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func mustWhitelist(t testing.TB, barcodes ...string) *Whitelist {
	t.Helper()
	wl, err := New(barcodes)
	if err != nil {
		t.Fatal(err)
	}
	return wl
}

func TestMatch(t *testing.T) {
	wl := mustWhitelist(t, "AAAACCCC", "AAAAGGGG", "TTTTTTTT", "TTTTTTTA")
	c := NewCorrector(wl, Options{MaxMismatch: 1})

	type test struct {
		raw  string
		want Result
	}
	tests := []test{
		{"AAAACCCC", Result{Status: Exact, Corrected: "AAAACCCC", Candidates: 1}},
		{"AAAACCCA", Result{Status: Corrected, Corrected: "AAAACCCC", Distance: 1, Candidates: 1}},
		{"NAAACCCC", Result{Status: Corrected, Corrected: "AAAACCCC", Distance: 1, Candidates: 1}},
		// one substitution away from both TTTTTTTT and TTTTTTTA
		{"TTTTTTTC", Result{Status: Ambiguous, Distance: 1, Candidates: 2}},
		{"AAAAGGCC", Result{}},
		{"AAAACCC", Result{}},
		{"AAAACCCX", Result{}},
		{"", Result{}},
	}
	for _, test := range tests {
		if got := c.Match(test.raw, 1); got != test.want {
			t.Errorf("Test: %#v, received: %#v", test, got)
		}
	}

	// a budget of 0 never corrects
	if got := c.Match("AAAACCCA", 0); got.Status != Unmatched {
		t.Errorf("max_mismatch 0 corrected: %#v", got)
	}
}

func TestMatchEveryMember(t *testing.T) {
	wl := randomWhitelist(rand.New(rand.NewSource(1)), 500, 16)
	c := NewCorrector(wl, Options{MaxMismatch: 1})
	for _, bc := range wl.Barcodes() {
		got := c.Match(bc, 1)
		if got.Status != Exact || got.Corrected != bc || got.Distance != 0 {
			t.Fatalf("Match(%s) = %#v", bc, got)
		}
	}
}

func TestMatchUniqueNeighbor(t *testing.T) {
	wl := mustWhitelist(t, "ACGTACGTACGTACGT", "TGCATGCATGCATGCA")
	c := NewCorrector(wl, Options{MaxMismatch: 1})
	bc := wl.Barcodes()[0]
	for i := 0; i < len(bc); i++ {
		for _, b := range []byte("ACGTN") {
			if b == bc[i] {
				continue
			}
			raw := bc[:i] + string(b) + bc[i+1:]
			got := c.Match(raw, 1)
			if got.Status != Corrected || got.Corrected != bc || got.Distance != 1 {
				t.Fatalf("Match(%s) = %#v", raw, got)
			}
		}
	}
}

func TestMatchAbundanceTieBreak(t *testing.T) {
	wl, err := Read(strings.NewReader("TTTTTTTT\t100\nTTTTTTTA\t3\nGGGGGGGG\t5\nGGGGGGGC\t5\n"), 8)
	if err != nil {
		t.Fatal(err)
	}
	plain := NewCorrector(wl, Options{MaxMismatch: 1})
	if got := plain.Match("TTTTTTTC", 1); got.Status != Ambiguous {
		t.Errorf("tie-break applied without being enabled: %#v", got)
	}

	c := NewCorrector(wl, Options{MaxMismatch: 1, AbundanceTieBreak: true})
	if got := c.Match("TTTTTTTC", 1); got.Status != Corrected || got.Corrected != "TTTTTTTT" || got.Candidates != 2 {
		t.Errorf("higher prior should win: %#v", got)
	}
	if got := c.Match("GGGGGGGA", 1); got.Status != Ambiguous {
		t.Errorf("equal priors must stay ambiguous: %#v", got)
	}

	noPrior := NewCorrector(mustWhitelist(t, "TTTTTTTT", "TTTTTTTA"), Options{MaxMismatch: 1, AbundanceTieBreak: true})
	if got := noPrior.Match("TTTTTTTC", 1); got.Status != Ambiguous {
		t.Errorf("tie-break without priors: %#v", got)
	}
}

func TestMatchPrefersCloserCandidate(t *testing.T) {
	wl := mustWhitelist(t, "AAAAAAAA", "AAAAAATT", "CCCCCCCC")
	for name, c := range map[string]*Corrector{
		"variant": NewCorrector(wl, Options{MaxMismatch: 2, VariantDepth: 2}),
		"bktree":  NewCorrector(wl, Options{MaxMismatch: 2}),
		"scan":    NewCorrectorWithIndex(wl, scanIndex{wl}, false),
	} {
		// one away from AAAAAAAA, two away from AAAAAATT
		got := c.Match("AAAAAAAG", 2)
		if got.Status != Corrected || got.Corrected != "AAAAAAAA" || got.Distance != 1 {
			t.Errorf("%s: %#v", name, got)
		}
		// one away from AAAAAATT, two from AAAAAAAA
		if got := c.Match("AAAAAAGT", 2); got.Status != Corrected || got.Corrected != "AAAAAATT" {
			t.Errorf("%s: %#v", name, got)
		}
		if got := c.Match("AAAAAAGG", 2); got.Status != Ambiguous || got.Distance != 2 {
			t.Errorf("%s: %#v", name, got)
		}
	}
}

func TestMatchBatch(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	wl := randomWhitelist(r, 300, 12)
	c := NewCorrector(wl, Options{MaxMismatch: 1})
	raws := mutatedQueries(r, wl, 2000)

	got := c.MatchBatch(raws, 1)
	if len(got) != len(raws) {
		t.Fatalf("len %d, want %d", len(got), len(raws))
	}
	for i, raw := range raws {
		if want := c.Match(raw, 1); got[i] != want {
			t.Fatalf("batch[%d] = %#v, Match = %#v", i, got[i], want)
		}
	}
	for _, workers := range []int{0, 1, 3, 64} {
		if par := c.MatchBatchParallel(raws, 1, workers); !reflect.DeepEqual(par, got) {
			t.Errorf("parallel with %d workers differs", workers)
		}
	}
	if out := c.MatchBatchParallel(nil, 1, 4); len(out) != 0 {
		t.Errorf("empty batch returned %d results", len(out))
	}
}

// The three index strategies must agree on every query.
func TestIndexStrategiesAgree(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	wl := randomWhitelist(r, 400, 8)
	raws := mutatedQueries(r, wl, 3000)
	for _, mm := range []int{1, 2} {
		variant := NewCorrectorWithIndex(wl, NewVariantIndex(wl, mm), false)
		bk := NewCorrectorWithIndex(wl, NewBKTree(wl), false)
		scan := NewCorrectorWithIndex(wl, scanIndex{wl}, false)
		for _, raw := range raws {
			want := scan.Match(raw, mm)
			if got := variant.Match(raw, mm); got != want {
				t.Fatalf("mm=%d variant(%s) = %#v, scan = %#v", mm, raw, got, want)
			}
			if got := bk.Match(raw, mm); got != want {
				t.Fatalf("mm=%d bktree(%s) = %#v, scan = %#v", mm, raw, got, want)
			}
		}
	}
}

func TestLongBarcodesUseBKTree(t *testing.T) {
	long := strings.Repeat("ACGT", 6)
	wl := mustWhitelist(t, long)
	c := NewCorrector(wl, Options{MaxMismatch: 1})
	if _, ok := c.index.(*BKTree); !ok {
		t.Fatalf("index is %T", c.index)
	}
	raw := "T" + long[1:]
	if got := c.Match(raw, 1); got.Status != Corrected || got.Corrected != long {
		t.Errorf("Match(%s) = %#v", raw, got)
	}
}

func randomBarcode(r *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = "ACGT"[r.Intn(4)]
	}
	return string(b)
}

func randomWhitelist(r *rand.Rand, size, n int) *Whitelist {
	seen := make(map[string]bool, size)
	var barcodes []string
	for len(barcodes) < size {
		bc := randomBarcode(r, n)
		if !seen[bc] {
			seen[bc] = true
			barcodes = append(barcodes, bc)
		}
	}
	wl, err := New(barcodes)
	if err != nil {
		panic(err)
	}
	return wl
}

// mutatedQueries takes whitelist entries and applies 0-3 random
// substitutions, including N.
func mutatedQueries(r *rand.Rand, wl *Whitelist, n int) []string {
	out := make([]string, n)
	for i := range out {
		b := []byte(wl.Barcodes()[r.Intn(wl.Len())])
		for k := r.Intn(4); k > 0; k-- {
			b[r.Intn(len(b))] = "ACGTN"[r.Intn(5)]
		}
		out[i] = string(b)
	}
	return out
}

func BenchmarkMatch(b *testing.B) {
	r := rand.New(rand.NewSource(3))
	wl := randomWhitelist(r, 20000, 16)
	c := NewCorrector(wl, Options{MaxMismatch: 1})
	raws := mutatedQueries(r, wl, 4096)
	b.ReportAllocs()
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		c.Match(raws[n%len(raws)], 1)
	}
}
