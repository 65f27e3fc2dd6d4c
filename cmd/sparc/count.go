package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/glbala87/SPARC/internal/barcode"
	"github.com/glbala87/SPARC/internal/count"
	"github.com/glbala87/SPARC/internal/pipeline"
	"github.com/glbala87/SPARC/internal/source"
)

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Correct barcodes, deduplicate UMIs and write a count matrix",
	Long: `Read (barcode, UMI, gene) observations from TSV triples, gene-tagged
FASTQ or gene-tagged BAM, correct every barcode against the whitelist,
collapse UMI errors per cell and gene, and write matrix.mtx, barcodes.tsv
and features.tsv into the output directory.

Nothing is written to the output directory when the run fails or is
interrupted; the summary and metrics files still are.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig(settings, configFile)
		if err != nil {
			return err
		}
		if err := cfg.validateCount(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runCount(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(countCmd)

	flags := countCmd.Flags()
	flags.StringSliceP("input", "i", nil, "input `files` (repeat or comma separate)")
	flags.StringP("format", "f", "tsv", "input format: tsv, fastq or bam")
	flags.StringP("output-dir", "o", "", "matrix output `directory`")
	flags.Bool("gzip", false, "gzip the matrix files")
	flags.String("features", "", "reference gene list `file` (id[\\tname])")
	flags.Int("umi-distance", 1, "UMI clustering edit distance, 0 for exact")
	flags.String("count-mode", pipeline.Molecules, "count molecules or reads")
	flags.String("chemistry", "", "FASTQ read 1 layout preset (10x-v2, 10x-v3, 10x-5p-v2)")
	flags.Int("max-resident-umis", pipeline.DefaultMaxResidentUMIs, "UMIs a worker or reduced partition holds before spilling, 0 never spills")
	flags.String("spill-dir", "", "parent `directory` for spill files (default system temp)")
	flags.String("summary", "", "write the run summary JSON to `file`")
	flags.String("metrics", "", "write prometheus textfile metrics to `file`")

	bindFlags(countCmd, map[string]string{
		"inputs":            "input",
		"input_format":      "format",
		"output_dir":        "output-dir",
		"gzip_output":       "gzip",
		"features":          "features",
		"umi_distance":      "umi-distance",
		"count_mode":        "count-mode",
		"chemistry":         "chemistry",
		"max_resident_umis": "max-resident-umis",
		"spill_dir":         "spill-dir",
		"summary_file":      "summary",
		"metrics_file":      "metrics",
	})
}

// summary is the JSON written to summary_file.
type summary struct {
	RunID string `json:"run_id"`
	pipeline.Stats
	ValidFraction float64 `json:"valid_fraction"`
	Aborted       bool    `json:"aborted"`
	Error         string  `json:"error,omitempty"`
}

func runCount(ctx context.Context, cfg *Config) error {
	wl, err := barcode.Load(cfg.Whitelist, cfg.BarcodeLength)
	if err != nil {
		return err
	}
	corrector := barcode.NewCorrector(wl, cfg.correctorOptions())

	var genes []count.Gene
	if cfg.Features != "" {
		if genes, err = count.LoadGenes(cfg.Features); err != nil {
			return err
		}
	}

	var layout source.Layout
	if cfg.InputFormat == "fastq" {
		if layout, err = cfg.layout(); err != nil {
			return err
		}
	}
	src, err := source.Open(cfg.InputFormat, cfg.Inputs, layout, cfg.tags())
	if err != nil {
		return err
	}
	defer src.Close()

	run, err := pipeline.NewRun(cfg.pipelineConfig(genes), corrector)
	if err != nil {
		return err
	}
	m, runErr := run.Execute(ctx, src)

	if err := writeReports(cfg, run, runErr); err != nil {
		if runErr != nil {
			log.WithError(err).Error("could not write reports")
			return runErr
		}
		return err
	}
	if runErr != nil {
		return runErr
	}

	if err := count.WriteDir(cfg.OutputDir, m, cfg.GzipOutput); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"dir":      cfg.OutputDir,
		"cells":    len(m.Barcodes),
		"genes":    len(m.Genes),
		"nonzeros": m.NNZ(),
	}).Info("wrote matrix")
	return nil
}

func writeReports(cfg *Config, run *pipeline.Run, runErr error) error {
	if cfg.SummaryFile != "" {
		s := run.Stats()
		out := summary{
			RunID:         run.ID.String(),
			Stats:         s,
			ValidFraction: s.ValidFraction(),
			Aborted:       runErr != nil,
		}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode summary")
		}
		if err := os.WriteFile(cfg.SummaryFile, append(data, '\n'), 0o644); err != nil {
			return errors.Wrapf(err, "write %s", cfg.SummaryFile)
		}
	}
	if cfg.MetricsFile != "" {
		if err := pipeline.WriteMetrics(cfg.MetricsFile, run); err != nil {
			return err
		}
	}
	return nil
}
