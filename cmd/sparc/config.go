package main

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/glbala87/SPARC/internal/barcode"
	"github.com/glbala87/SPARC/internal/count"
	"github.com/glbala87/SPARC/internal/pipeline"
	"github.com/glbala87/SPARC/internal/source"
)

// Config is the union of the config file and the command line flags.
type Config struct {
	Whitelist     string   `json:"whitelist" mapstructure:"whitelist"`
	BarcodeLength int      `json:"barcode_length" mapstructure:"barcode_length"`
	Features      string   `json:"features" mapstructure:"features"`
	Inputs        []string `json:"inputs" mapstructure:"inputs"` // A list of file strings
	InputFormat   string   `json:"input_format" mapstructure:"input_format"`
	OutputDir     string   `json:"output_dir" mapstructure:"output_dir"`
	GzipOutput    bool     `json:"gzip_output" mapstructure:"gzip_output"`

	MaxMismatch       int    `json:"max_mismatch" mapstructure:"max_mismatch"`
	VariantDepth      int    `json:"variant_depth" mapstructure:"variant_depth"`
	AbundanceTieBreak bool   `json:"abundance_tiebreak" mapstructure:"abundance_tiebreak"`
	UMIDistance       int    `json:"umi_distance" mapstructure:"umi_distance"`
	CountMode         string `json:"count_mode" mapstructure:"count_mode"`

	Threads         int    `json:"threads" mapstructure:"threads"`
	ChunkSize       int    `json:"chunk_size" mapstructure:"chunk_size"`
	MaxResidentUMIs int    `json:"max_resident_umis" mapstructure:"max_resident_umis"`
	SpillDir        string `json:"spill_dir" mapstructure:"spill_dir"`
	Partitions      int    `json:"partitions" mapstructure:"partitions"`
	CacheSize       int    `json:"cache_size" mapstructure:"cache_size"`

	// FASTQ read 1 layout, either a named preset or explicit offsets
	Chemistry      string  `json:"chemistry" mapstructure:"chemistry"`
	BarcodeOffset  int     `json:"barcode_offset" mapstructure:"barcode_offset"`
	UMIOffset      int     `json:"umi_offset" mapstructure:"umi_offset"`
	UMILength      int     `json:"umi_length" mapstructure:"umi_length"`
	MinBarcodeQual float64 `json:"min_barcode_qual" mapstructure:"min_barcode_qual"`

	// BAM aux tags; GeneTag is also the FASTQ header tag
	GeneTag    string `json:"gene_tag" mapstructure:"gene_tag"`
	BarcodeTag string `json:"barcode_tag" mapstructure:"barcode_tag"`
	UMITag     string `json:"umi_tag" mapstructure:"umi_tag"`
	MinMapQ    int    `json:"min_mapq" mapstructure:"min_mapq"`

	SummaryFile string `json:"summary_file" mapstructure:"summary_file"`
	MetricsFile string `json:"metrics_file" mapstructure:"metrics_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input_format", "tsv")
	v.SetDefault("max_mismatch", 1)
	v.SetDefault("variant_depth", 1)
	v.SetDefault("umi_distance", 1)
	v.SetDefault("count_mode", pipeline.Molecules)
	v.SetDefault("threads", runtime.NumCPU())
	v.SetDefault("chunk_size", 4096)
	v.SetDefault("max_resident_umis", pipeline.DefaultMaxResidentUMIs)
	v.SetDefault("partitions", 16)
	v.SetDefault("cache_size", 0)
	v.SetDefault("gene_tag", source.DefaultTags.Gene)
	v.SetDefault("barcode_tag", source.DefaultTags.Barcode)
	v.SetDefault("umi_tag", source.DefaultTags.UMI)
}

// readConfig merges defaults, the optional config file (JSON, or any
// format viper knows by extension) and whatever flags were bound to v.
func readConfig(v *viper.Viper, filename string) (*Config, error) {
	setDefaults(v)
	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", filename)
		}
	}
	c := Config{}
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &c, nil
}

// validateCorrection checks what every command that corrects barcodes needs.
func (c *Config) validateCorrection() error {
	if c.Whitelist == "" {
		return errors.New("no whitelist given")
	}
	if c.BarcodeLength < 0 {
		return errors.Errorf("negative barcode_length %d", c.BarcodeLength)
	}
	if c.MaxMismatch < 0 {
		return errors.Errorf("negative max_mismatch %d", c.MaxMismatch)
	}
	if c.VariantDepth < 0 {
		return errors.Errorf("negative variant_depth %d", c.VariantDepth)
	}
	if c.Threads < 1 {
		return errors.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	return nil
}

// validateCount rejects impossible combinations before any input is opened.
func (c *Config) validateCount() error {
	if err := c.validateCorrection(); err != nil {
		return err
	}
	if len(c.Inputs) == 0 {
		return errors.New("no inputs given")
	}
	if c.OutputDir == "" {
		return errors.New("no output_dir given")
	}
	if c.UMIDistance < 0 {
		return errors.Errorf("negative umi_distance %d", c.UMIDistance)
	}
	switch c.CountMode {
	case pipeline.Molecules, pipeline.Reads:
	default:
		return errors.Errorf("count_mode must be %q or %q, got %q", pipeline.Molecules, pipeline.Reads, c.CountMode)
	}
	if c.MaxResidentUMIs < 0 || c.CacheSize < 0 || c.ChunkSize < 0 || c.Partitions < 0 {
		return errors.New("resource bounds must not be negative")
	}
	switch c.InputFormat {
	case "tsv":
	case "fastq":
		if _, err := c.layout(); err != nil {
			return err
		}
	case "bam":
		if err := c.tags().Validate(); err != nil {
			return errors.Wrap(err, "bam input")
		}
	default:
		return errors.Errorf("unknown input_format %q", c.InputFormat)
	}
	return nil
}

func (c *Config) layout() (source.Layout, error) {
	var l source.Layout
	if c.Chemistry != "" {
		preset, ok := source.Presets[c.Chemistry]
		if !ok {
			return l, errors.Errorf("unknown chemistry %q", c.Chemistry)
		}
		l = preset
	} else {
		if c.BarcodeLength <= 0 || c.UMILength <= 0 {
			return l, errors.New("fastq input needs a chemistry or barcode_length and umi_length")
		}
		l = source.Layout{
			BarcodeOffset: c.BarcodeOffset,
			BarcodeLength: c.BarcodeLength,
			UMIOffset:     c.UMIOffset,
			UMILength:     c.UMILength,
		}
	}
	if c.BarcodeLength > 0 && c.BarcodeLength != l.BarcodeLength {
		return l, errors.Errorf("barcode_length %d does not match chemistry %s", c.BarcodeLength, c.Chemistry)
	}
	l.MinMeanQual = c.MinBarcodeQual
	if c.GeneTag != "" {
		l.GeneTag = c.GeneTag
	}
	return l, nil
}

func (c *Config) tags() source.Tags {
	return source.Tags{Barcode: c.BarcodeTag, UMI: c.UMITag, Gene: c.GeneTag, MinMapQ: c.MinMapQ}
}

func (c *Config) correctorOptions() barcode.Options {
	return barcode.Options{
		MaxMismatch:       c.MaxMismatch,
		VariantDepth:      c.VariantDepth,
		AbundanceTieBreak: c.AbundanceTieBreak,
	}
}

func (c *Config) pipelineConfig(genes []count.Gene) pipeline.Config {
	return pipeline.Config{
		MaxMismatch:     c.MaxMismatch,
		UMIDistance:     c.UMIDistance,
		CountMode:       c.CountMode,
		Threads:         c.Threads,
		ChunkSize:       c.ChunkSize,
		MaxResidentUMIs: c.MaxResidentUMIs,
		SpillDir:        c.SpillDir,
		Partitions:      c.Partitions,
		CacheSize:       c.CacheSize,
		Genes:           genes,
		CanonicalOrder:  true,
	}
}
