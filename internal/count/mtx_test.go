package count

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/glbala87/SPARC/internal/errs"
)

func sampleMatrix(t *testing.T) *Matrix {
	t.Helper()
	b := NewBuilder(WithGenes([]Gene{{ID: "ENSG1", Name: "ACTB"}, {ID: "ENSG2", Name: "GAPDH"}}))
	b.Add("AAAACCCC", "ENSG2", 7)
	b.Add("GGGGTTTT", "ENSG1", 1)
	b.Add("AAAACCCC", "ENSG1", 3)
	m, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestWriteMTX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMTX(&buf, sampleMatrix(t)); err != nil {
		t.Fatal(err)
	}
	want := "%%MatrixMarket matrix coordinate integer general\n" +
		"%\n" +
		"2 2 3\n" +
		"1 1 3\n" +
		"2 1 7\n" +
		"1 2 1\n"
	if buf.String() != want {
		t.Errorf("received\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestDirRoundTrip(t *testing.T) {
	for _, gz := range []bool{false, true} {
		dir := t.TempDir()
		m := sampleMatrix(t)
		if err := WriteDir(dir, m, gz); err != nil {
			t.Fatal(err)
		}
		name := MatrixFile
		if gz {
			name += ".gz"
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("gz=%v: %v", gz, err)
		}
		got, err := ReadDir(dir)
		if err != nil {
			t.Fatalf("gz=%v: %v", gz, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Errorf("gz=%v: read back %+v, wrote %+v", gz, got, m)
		}
	}
}

func TestReadMatrixFormatErrors(t *testing.T) {
	const header = "%%MatrixMarket matrix coordinate integer general\n"
	type test struct {
		name string
		mtx  string
		line int
	}
	tests := []test{
		{"empty", "", 0},
		{"bad header", "%%MatrixMarket matrix array real general\n1 1 0\n", 1},
		{"missing size", header + "% only comments\n", 0},
		{"size mismatch", header + "3 1 0\n", 2},
		{"short line", header + "2 1 1\n1 1\n", 3},
		{"out of bounds", header + "2 1 1\n3 1 4\n", 3},
		{"zero index", header + "2 1 1\n0 1 4\n", 3},
		{"bad value", header + "2 1 1\n1 1 -4\n", 3},
		{"duplicate", header + "2 1 2\n1 1 4\n1 1 5\n", 4},
		{"too many", header + "2 1 1\n1 1 4\n2 1 5\n", 4},
		{"too few", header + "2 1 2\n1 1 4\n", 0},
	}
	for _, test := range tests {
		_, err := ReadMatrix(strings.NewReader(test.mtx), strings.NewReader("AAAA\n"), strings.NewReader("G1\nG2\tname\n"))
		var fe *errs.FormatError
		if !errors.As(err, &fe) {
			t.Errorf("Test: %s, want FormatError, received %v", test.name, err)
			continue
		}
		if fe.Line != test.line {
			t.Errorf("Test: %s, error at line %d, want %d (%v)", test.name, fe.Line, test.line, err)
		}
	}
}

func TestReadGenes(t *testing.T) {
	genes, err := readGenes(strings.NewReader("G1\nG2\tB2M\nG3\tCD3E\tGene Expression\n"), "features.tsv")
	if err != nil {
		t.Fatal(err)
	}
	want := []Gene{{"G1", "G1"}, {"G2", "B2M"}, {"G3", "CD3E"}}
	if !reflect.DeepEqual(genes, want) {
		t.Errorf("genes = %v", genes)
	}
	_, err = readGenes(strings.NewReader("G1\nG1\n"), "features.tsv")
	var fe *errs.FormatError
	if !errors.As(err, &fe) || fe.Line != 2 {
		t.Errorf("duplicate gene: %v", err)
	}
}
