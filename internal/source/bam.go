package source

import (
	"io"
	"os"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/pkg/errors"
)

// Tags names the aux fields carrying the raw barcode, UMI and gene, and
// the minimum mapping quality a record needs.
type Tags struct {
	Barcode string
	UMI     string
	Gene    string
	MinMapQ int
}

// DefaultTags follows the Cell Ranger convention.
var DefaultTags = Tags{Barcode: "CR", UMI: "UR", Gene: "GX"}

// Validate checks that every tag is two characters and the MAPQ
// threshold fits a byte.
func (t Tags) Validate() error {
	for _, tag := range []struct{ field, name string }{
		{"barcode", t.Barcode},
		{"umi", t.UMI},
		{"gene", t.Gene},
	} {
		if len(tag.name) != 2 {
			return errors.Errorf("%s tag %q must be two characters", tag.field, tag.name)
		}
	}
	if t.MinMapQ < 0 || t.MinMapQ > 255 {
		return errors.Errorf("min mapq %d out of range", t.MinMapQ)
	}
	return nil
}

// BAM extracts observations from aligned, gene-tagged records. Unmapped,
// secondary and supplementary records are dropped, as are records without
// all three tags.
type BAM struct {
	path   string
	file   *os.File
	reader *bam.Reader

	barcode, umi, gene sam.Tag
	minMapQ            byte

	filtered uint64
}

// OpenBAM opens a BAM file.
func OpenBAM(path string, tags Tags) (*BAM, error) {
	if err := tags.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	b, err := NewBAM(f, tags)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "read %s header", path)
	}
	b.path, b.file = path, f
	return b, nil
}

// NewBAM reads BAM data from r.
func NewBAM(r io.Reader, tags Tags) (*BAM, error) {
	if err := tags.Validate(); err != nil {
		return nil, err
	}
	br, err := bam.NewReader(r, 0)
	if err != nil {
		return nil, err
	}
	return &BAM{
		reader:  br,
		barcode: sam.NewTag(tags.Barcode),
		umi:     sam.NewTag(tags.UMI),
		gene:    sam.NewTag(tags.Gene),
		minMapQ: byte(tags.MinMapQ),
	}, nil
}

func (b *BAM) Next() (Read, error) {
	for {
		rec, err := b.reader.Read()
		if err != nil {
			if err == io.EOF {
				return Read{}, io.EOF
			}
			return Read{}, errors.Wrapf(err, "read %s", b.path)
		}
		if rec.Flags&(sam.Unmapped|sam.Secondary|sam.Supplementary) != 0 || rec.MapQ < b.minMapQ {
			b.filtered++
			continue
		}
		r := Read{
			Barcode: auxString(rec, b.barcode),
			UMI:     auxString(rec, b.umi),
			Gene:    auxString(rec, b.gene),
		}
		if r.Barcode == "" || r.UMI == "" || r.Gene == "" {
			b.filtered++
			continue
		}
		return r, nil
	}
}

func auxString(rec *sam.Record, tag sam.Tag) string {
	aux := rec.AuxFields.Get(tag)
	if aux == nil {
		return ""
	}
	s, _ := aux.Value().(string)
	return s
}

// Filtered counts dropped records.
func (b *BAM) Filtered() uint64 { return b.filtered }

func (b *BAM) Close() error {
	err := b.reader.Close()
	if b.file != nil {
		if cerr := b.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
