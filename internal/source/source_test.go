package source

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"

	"github.com/glbala87/SPARC/internal/errs"
)

func drain(t *testing.T, src Source) []Read {
	t.Helper()
	var out []Read
	for {
		r, err := src.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, r)
	}
}

func TestTSV(t *testing.T) {
	in := "# barcode\tumi\tgene\nAAAA\tCCCC\tG1\n\nTTTT\tGGGG\tG2\textra\r\n"
	got := drain(t, NewTSV(strings.NewReader(in), "reads.tsv"))
	want := []Read{{"AAAA", "CCCC", "G1"}, {"TTTT", "GGGG", "G2"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("received %v", got)
	}
}

func TestTSVFormatErrors(t *testing.T) {
	for _, in := range []string{"AAAA\tCCCC\n", "AAAA\t\tG1\n"} {
		_, err := NewTSV(strings.NewReader(in), "reads.tsv").Next()
		var fe *errs.FormatError
		if !errors.As(err, &fe) || fe.Line != 1 || fe.Path != "reads.tsv" {
			t.Errorf("Test: %q, received %v", in, err)
		}
	}
}

func TestOpenChainsFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tsv")
	b := filepath.Join(dir, "b.tsv")
	os.WriteFile(a, []byte("AAAA\tCCCC\tG1\n"), 0o644)
	os.WriteFile(b, []byte("TTTT\tGGGG\tG2\n"), 0o644)
	src, err := Open("tsv", []string{a, b}, Layout{}, Tags{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if got := drain(t, src); len(got) != 2 || got[1].Gene != "G2" {
		t.Errorf("received %v", got)
	}
	if _, err := Open("sam", []string{a}, Layout{}, Tags{}); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestFASTQ(t *testing.T) {
	fq := "@r1 GX:Z:G1\nAAAACCGGTT\n+\nIIIIIIIIII\n" +
		"@r2 GX:G2 other\nTTTTAAGGCC\n+\nIIIIIIIIII\n" +
		"@r3 no gene\nAAAACCGGTT\n+\nIIIIIIIIII\n" +
		"@r4 GX:Z:G1\nAAAACC\n+\nIIIIII\n" +
		"@r5 GX:Z:G3\nGGGGCCGGTT\n+\n####IIIIII\n"
	path := filepath.Join(t.TempDir(), "r1.fastq")
	if err := os.WriteFile(path, []byte(fq), 0o644); err != nil {
		t.Fatal(err)
	}
	layout := Layout{BarcodeLength: 4, UMIOffset: 4, UMILength: 6, MinMeanQual: 20, GeneTag: "GX"}
	src, err := OpenFASTQ(path, layout)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	got := drain(t, src)
	want := []Read{{"AAAA", "CCGGTT", "G1"}, {"TTTT", "AAGGCC", "G2"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("received %v", got)
	}
	if Filtered(src) != 3 {
		t.Errorf("filtered = %d, want 3", Filtered(src))
	}
}

func TestLayoutValidate(t *testing.T) {
	for name, l := range Presets {
		if err := l.validate(); err != nil {
			t.Errorf("preset %s: %v", name, err)
		}
	}
	if _, err := OpenFASTQ("unused.fastq", Layout{BarcodeLength: 16}); err == nil {
		t.Error("layout without UMI accepted")
	}
}

func TestBAM(t *testing.T) {
	ref, err := sam.NewReference("chr1", "", "", 1000, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := sam.NewHeader(nil, []*sam.Reference{ref})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, h, 1)
	if err != nil {
		t.Fatal(err)
	}
	type rec struct {
		name       string
		cr, ur, gx string
		mapQ       byte
		flags      sam.Flags
	}
	for _, r := range []rec{
		{"keep", "AAAA", "CCCC", "G1", 60, 0},
		{"lowq", "AAAA", "CCCC", "G1", 5, 0},
		{"nogene", "AAAA", "CCCC", "", 60, 0},
		{"secondary", "AAAA", "CCCC", "G1", 60, sam.Secondary},
		{"keep2", "TTTT", "GGGG", "G2", 30, sam.Reverse},
	} {
		var aux []sam.Aux
		for _, kv := range [][2]string{{"CR", r.cr}, {"UR", r.ur}, {"GX", r.gx}} {
			if kv[1] == "" {
				continue
			}
			a, err := sam.NewAux(sam.NewTag(kv[0]), kv[1])
			if err != nil {
				t.Fatal(err)
			}
			aux = append(aux, a)
		}
		s, err := sam.NewRecord(r.name, ref, nil, 10, -1, 0, r.mapQ,
			[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)}, []byte("ACGT"), []byte{30, 30, 30, 30}, aux)
		if err != nil {
			t.Fatal(err)
		}
		s.Flags = r.flags
		if err := w.Write(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	src, err := NewBAM(&buf, Tags{Barcode: "CR", UMI: "UR", Gene: "GX", MinMapQ: 10})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	got := drain(t, src)
	want := []Read{{"AAAA", "CCCC", "G1"}, {"TTTT", "GGGG", "G2"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("received %v", got)
	}
	if src.Filtered() != 3 {
		t.Errorf("filtered = %d, want 3", src.Filtered())
	}
}

func TestTagsValidate(t *testing.T) {
	if err := DefaultTags.Validate(); err != nil {
		t.Errorf("default tags rejected: %v", err)
	}
	for _, tags := range []Tags{
		{Barcode: "C", UMI: "UR", Gene: "GX"},
		{Barcode: "CR", UMI: "URX", Gene: "GX"},
		{Barcode: "CR", UMI: "UR"},
		{Barcode: "CR", UMI: "UR", Gene: "GX", MinMapQ: 256},
	} {
		if err := tags.Validate(); err == nil {
			t.Errorf("Test: %+v, accepted", tags)
		}
		if _, err := NewBAM(bytes.NewReader(nil), tags); err == nil {
			t.Errorf("Test: %+v, NewBAM accepted", tags)
		}
		if _, err := OpenBAM("unused.bam", tags); err == nil {
			t.Errorf("Test: %+v, OpenBAM accepted", tags)
		}
	}
}
