package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/glbala87/SPARC/internal/barcode"
	"github.com/glbala87/SPARC/internal/count"
)

const (
	testWhitelist = "# cells\nAAAA\nCCCC\nAACC\n"
	testTriples   = "AAAA\tACGTAC\tG1\n" +
		"AAAA\tACGTAC\tG1\n" +
		"AAAA\tACGTAC\tG1\n" +
		"AAAT\tACGTAA\tG1\n" +
		"CCCC\tTTTTTT\tG2\n" +
		"AACA\tGGGGGG\tG2\n" +
		"GGGG\tGGGGGG\tG2\n"
)

func TestRunCount(t *testing.T) {
	dir := t.TempDir()
	cfg := validConfig()
	cfg.Whitelist = writeFile(t, dir, "wl.txt", testWhitelist)
	cfg.Inputs = []string{writeFile(t, dir, "reads.tsv", testTriples)}
	cfg.Features = writeFile(t, dir, "genes.tsv", "G2\tbeta\nG1\talpha\nG3\tgamma\n")
	cfg.OutputDir = filepath.Join(dir, "matrix")
	cfg.GzipOutput = true
	cfg.SummaryFile = filepath.Join(dir, "summary.json")
	cfg.MetricsFile = filepath.Join(dir, "sparc.prom")
	cfg.Threads = 2

	if err := runCount(context.Background(), &cfg); err != nil {
		t.Fatal(err)
	}
	m, err := count.ReadDir(cfg.OutputDir)
	if err != nil {
		t.Fatal(err)
	}
	want := []count.Triple{{Barcode: "AAAA", Gene: "G1", Count: 1}, {Barcode: "CCCC", Gene: "G2", Count: 1}}
	if got := m.Triples(); !reflect.DeepEqual(got, want) {
		t.Errorf("triples = %v", got)
	}
	if len(m.Genes) != 3 || m.Genes[0].Name != "beta" {
		t.Errorf("genes = %v", m.Genes)
	}

	data, err := os.ReadFile(cfg.SummaryFile)
	if err != nil {
		t.Fatal(err)
	}
	var s map[string]interface{}
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]float64{
		"total_reads": 7, "exact": 4, "corrected": 1, "ambiguous": 1, "unmatched": 1, "molecules": 2, "cells": 2,
	} {
		if s[key] != want {
			t.Errorf("summary %s = %v, want %v", key, s[key], want)
		}
	}
	if s["aborted"] != false {
		t.Errorf("summary aborted = %v", s["aborted"])
	}
	if _, err := os.Stat(cfg.MetricsFile); err != nil {
		t.Error(err)
	}
}

func TestRunCountAbortWritesNoMatrix(t *testing.T) {
	dir := t.TempDir()
	cfg := validConfig()
	cfg.Whitelist = writeFile(t, dir, "wl.txt", testWhitelist)
	cfg.Inputs = []string{writeFile(t, dir, "reads.tsv", testTriples+"AAAA\tonly-two-columns\n")}
	cfg.OutputDir = filepath.Join(dir, "matrix")
	cfg.SummaryFile = filepath.Join(dir, "summary.json")

	if err := runCount(context.Background(), &cfg); err == nil {
		t.Fatal("malformed input accepted")
	}
	if _, err := os.Stat(cfg.OutputDir); !os.IsNotExist(err) {
		t.Errorf("output directory written on abort: %v", err)
	}
	data, err := os.ReadFile(cfg.SummaryFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"aborted": true`) {
		t.Errorf("summary = %s", data)
	}
}

func TestRunCorrect(t *testing.T) {
	dir := t.TempDir()
	cfg := validConfig()
	cfg.Whitelist = writeFile(t, dir, "wl.txt", testWhitelist)
	in := writeFile(t, dir, "raw.txt", "AAAA\nAAAT\textra\n\nAACA\nGGGG\nAAA\n")
	out := filepath.Join(dir, "corrected.tsv")
	if err := runCorrect(&cfg, []string{in}, out); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "AAAA\texact\tAAAA\t0\n" +
		"AAAT\tcorrected\tAAAA\t1\n" +
		"AACA\tambiguous\t-\t1\n" +
		"GGGG\tunmatched\t-\t-\n" +
		"AAA\tunmatched\t-\t-\n"
	if string(got) != want {
		t.Errorf("received\n%s\nwant\n%s", got, want)
	}
}

func TestRecordWriterFlushesEveryBatch(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.tsv.gz")
	w, err := NewRecordWriter(out, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		w.Write("AAAA", barcode.Result{Status: barcode.Exact, Corrected: "AAAA"})
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	var lines int
	if err := eachBarcode(out, 10, func(b []string) { lines += len(b) }); err != nil {
		t.Fatal(err)
	}
	if lines != 5 {
		t.Errorf("read back %d lines, want 5", lines)
	}
}

func TestQCReport(t *testing.T) {
	b := count.NewBuilder()
	b.Add("AAAA", "G1", 3)
	b.Add("AAAA", "G2", 1)
	b.Add("CCCC", "G1", 2)
	b.Add("GGGG", "G1", 10)
	m, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	r := qcReport(m, true)
	if r.Cells != 3 || r.Genes != 2 || r.NonZero != 4 || r.TotalUMIs != 16 || r.GenesDetected != 2 {
		t.Errorf("received: %#v", r)
	}
	if r.MedianUMIsPerCell != 4 || r.MeanGenesPerCell != 4.0/3 || r.MedianGenesPerCell != 1 {
		t.Errorf("received: %#v", r)
	}
	if len(r.PerCell) != 3 || r.PerCell[0] != (cellQC{"AAAA", 4, 2}) {
		t.Errorf("per cell: %v", r.PerCell)
	}
}

func TestMeanMedian(t *testing.T) {
	type test struct {
		in           []float64
		mean, median float64
	}
	tests := []test{
		{nil, 0, 0},
		{[]float64{5}, 5, 5},
		{[]float64{4, 1, 3, 2}, 2.5, 2.5},
		{[]float64{9, 1, 2}, 4, 2},
	}
	for _, test := range tests {
		mean, median := meanMedian(test.in)
		if mean != test.mean || median != test.median {
			t.Errorf("Test: %v, received: %v %v", test.in, mean, median)
		}
	}
}
