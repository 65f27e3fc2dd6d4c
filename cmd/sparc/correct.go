package main

import (
	"bufio"
	"strings"

	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/glbala87/SPARC/internal/barcode"
)

var correctOut string

var correctCmd = &cobra.Command{
	Use:   "correct [files]",
	Short: "Correct raw barcodes against the whitelist",
	Long: `Read raw barcodes, one per line or the first column of a TSV, from the
given files (stdin when none or "-") and write
raw<TAB>status<TAB>corrected<TAB>distance lines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig(settings, configFile)
		if err != nil {
			return err
		}
		if err := cfg.validateCorrection(); err != nil {
			return err
		}
		if len(args) == 0 {
			args = []string{"-"}
		}
		return runCorrect(cfg, args, correctOut)
	},
}

func init() {
	rootCmd.AddCommand(correctCmd)
	correctCmd.Flags().StringVarP(&correctOut, "out", "o", "-", "write corrections to `file` (.gz compresses)")
}

const correctBatch = 1 << 14

func runCorrect(cfg *Config, inputs []string, out string) error {
	wl, err := barcode.Load(cfg.Whitelist, cfg.BarcodeLength)
	if err != nil {
		return err
	}
	corrector := barcode.NewCorrector(wl, cfg.correctorOptions())

	w, err := NewRecordWriter(out, 1024)
	if err != nil {
		return err
	}
	var tally [4]uint64
	flush := func(raws []string) {
		for i, res := range corrector.MatchBatchParallel(raws, cfg.MaxMismatch, cfg.Threads) {
			tally[res.Status]++
			w.Write(raws[i], res)
		}
	}

	for _, input := range inputs {
		if err := eachBarcode(input, correctBatch, flush); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"exact":     tally[barcode.Exact],
		"corrected": tally[barcode.Corrected],
		"ambiguous": tally[barcode.Ambiguous],
		"unmatched": tally[barcode.Unmatched],
	}).Info("corrected barcodes")
	return nil
}

// eachBarcode hands the first column of every non-blank, non-comment line
// of path to fn in batches of up to n.
func eachBarcode(path string, n int, fn func([]string)) error {
	r, err := xopen.Ropen(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	batch := make([]string, 0, n)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || line[0] == '#' {
			continue
		}
		raw, _, _ := strings.Cut(line, "\t")
		batch = append(batch, raw)
		if len(batch) == n {
			fn(batch)
			batch = make([]string, 0, n)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if len(batch) > 0 {
		fn(batch)
	}
	return nil
}
