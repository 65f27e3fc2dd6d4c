package pipeline

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	readsDesc = prometheus.NewDesc("sparc_reads_total",
		"Reads by barcode correction outcome.", []string{"status"}, nil)
	filteredDesc = prometheus.NewDesc("sparc_reads_filtered_total",
		"Records dropped by the input source.", nil, nil)
	bucketsDesc = prometheus.NewDesc("sparc_buckets",
		"Cell-gene UMI buckets after merging shards.", nil, nil)
	moleculesDesc = prometheus.NewDesc("sparc_molecules",
		"Molecules after UMI deduplication.", nil, nil)
	cellsDesc = prometheus.NewDesc("sparc_cells",
		"Barcodes in the count matrix.", nil, nil)
	genesDesc = prometheus.NewDesc("sparc_genes",
		"Genes in the count matrix.", nil, nil)
)

// collector exposes a run's Stats, live while it executes.
type collector struct {
	run *Run
}

// NewCollector returns a prometheus.Collector over run.
func NewCollector(run *Run) prometheus.Collector {
	return collector{run}
}

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{readsDesc, filteredDesc, bucketsDesc, moleculesDesc, cellsDesc, genesDesc} {
		ch <- d
	}
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	s := c.run.Stats()
	for _, st := range []struct {
		status string
		n      uint64
	}{
		{"exact", s.Exact},
		{"corrected", s.Corrected},
		{"ambiguous", s.Ambiguous},
		{"unmatched", s.Unmatched},
	} {
		ch <- prometheus.MustNewConstMetric(readsDesc, prometheus.CounterValue, float64(st.n), st.status)
	}
	ch <- prometheus.MustNewConstMetric(filteredDesc, prometheus.CounterValue, float64(s.Filtered))
	ch <- prometheus.MustNewConstMetric(bucketsDesc, prometheus.GaugeValue, float64(s.Buckets))
	ch <- prometheus.MustNewConstMetric(moleculesDesc, prometheus.GaugeValue, float64(s.Molecules))
	ch <- prometheus.MustNewConstMetric(cellsDesc, prometheus.GaugeValue, float64(s.Cells))
	ch <- prometheus.MustNewConstMetric(genesDesc, prometheus.GaugeValue, float64(s.Genes))
}

// WriteMetrics writes the run's metrics in the node exporter textfile
// format.
func WriteMetrics(path string, run *Run) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(run)); err != nil {
		return errors.Wrap(err, "register metrics")
	}
	return errors.Wrapf(prometheus.WriteToTextfile(path, reg), "write %s", path)
}
