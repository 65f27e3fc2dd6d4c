package main

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/glbala87/SPARC/internal/count"
)

var (
	qcOut     string
	qcPerCell bool
)

var qcCmd = &cobra.Command{
	Use:   "qc <matrix-dir>",
	Short: "Summarize a count matrix directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := count.ReadDir(args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(qcReport(m, qcPerCell), "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode report")
		}
		data = append(data, '\n')
		if qcOut == "" || qcOut == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return errors.Wrapf(os.WriteFile(qcOut, data, 0o644), "write %s", qcOut)
	},
}

func init() {
	rootCmd.AddCommand(qcCmd)
	qcCmd.Flags().StringVarP(&qcOut, "out", "o", "-", "write the report to `file`")
	qcCmd.Flags().BoolVar(&qcPerCell, "per-cell", false, "include one row per barcode")
}

type cellQC struct {
	Barcode string `json:"barcode"`
	UMIs    uint64 `json:"umis"`
	Genes   int    `json:"genes"`
}

type report struct {
	Cells              int      `json:"cells"`
	Genes              int      `json:"genes"`
	NonZero            int      `json:"nonzero"`
	TotalUMIs          uint64   `json:"total_umis"`
	MeanUMIsPerCell    float64  `json:"mean_umis_per_cell"`
	MedianUMIsPerCell  float64  `json:"median_umis_per_cell"`
	MeanGenesPerCell   float64  `json:"mean_genes_per_cell"`
	MedianGenesPerCell float64  `json:"median_genes_per_cell"`
	GenesDetected      int      `json:"genes_detected"`
	PerCell            []cellQC `json:"per_cell,omitempty"`
}

func qcReport(m *count.Matrix, perCell bool) report {
	umis := m.CountsPerCell()
	genes := m.GenesPerCell()
	r := report{
		Cells:   len(m.Barcodes),
		Genes:   len(m.Genes),
		NonZero: m.NNZ(),
	}
	u := make([]float64, len(umis))
	g := make([]float64, len(genes))
	for i := range umis {
		r.TotalUMIs += umis[i]
		u[i] = float64(umis[i])
		g[i] = float64(genes[i])
	}
	r.MeanUMIsPerCell, r.MedianUMIsPerCell = meanMedian(u)
	r.MeanGenesPerCell, r.MedianGenesPerCell = meanMedian(g)
	for _, n := range m.CellsPerGene() {
		if n > 0 {
			r.GenesDetected++
		}
	}
	if perCell {
		r.PerCell = make([]cellQC, len(m.Barcodes))
		for i, bc := range m.Barcodes {
			r.PerCell[i] = cellQC{Barcode: bc, UMIs: umis[i], Genes: genes[i]}
		}
	}
	return r
}

// meanMedian sorts xs in place.
func meanMedian(xs []float64) (mean, median float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	sort.Float64s(xs)
	mid := len(xs) / 2
	median = xs[mid]
	if len(xs)%2 == 0 {
		median = (xs[mid-1] + xs[mid]) / 2
	}
	return sum / float64(len(xs)), median
}
