package count

// Matrix is a finalized sparse gene x barcode matrix. Rows[i], Cols[i] and
// Values[i] describe one nonzero: gene index, barcode index, count. Each
// (row, col) pair appears at most once. A Matrix is not modified after
// Build or ReadDir returns it.
type Matrix struct {
	Barcodes []string
	Genes    []Gene
	Rows     []int
	Cols     []int
	Values   []uint32
}

// Triple is one nonzero with its labels resolved.
type Triple struct {
	Barcode string
	Gene    string
	Count   uint32
}

// NNZ is the number of stored entries.
func (m *Matrix) NNZ() int { return len(m.Values) }

// Get scans for (barcode, gene) and returns 0 when absent.
func (m *Matrix) Get(barcode, gene int) uint32 {
	for i := range m.Values {
		if m.Cols[i] == barcode && m.Rows[i] == gene {
			return m.Values[i]
		}
	}
	return 0
}

// Triples lists every entry with labels, in storage order.
func (m *Matrix) Triples() []Triple {
	out := make([]Triple, len(m.Values))
	for i, v := range m.Values {
		out[i] = Triple{Barcode: m.Barcodes[m.Cols[i]], Gene: m.Genes[m.Rows[i]].ID, Count: v}
	}
	return out
}

// CountsPerCell sums each barcode column.
func (m *Matrix) CountsPerCell() []uint64 {
	out := make([]uint64, len(m.Barcodes))
	for i, v := range m.Values {
		out[m.Cols[i]] += uint64(v)
	}
	return out
}

// GenesPerCell counts detected genes per barcode.
func (m *Matrix) GenesPerCell() []int {
	out := make([]int, len(m.Barcodes))
	for _, c := range m.Cols {
		out[c]++
	}
	return out
}

// CountsPerGene sums each gene row.
func (m *Matrix) CountsPerGene() []uint64 {
	out := make([]uint64, len(m.Genes))
	for i, v := range m.Values {
		out[m.Rows[i]] += uint64(v)
	}
	return out
}

// CellsPerGene counts barcodes expressing each gene.
func (m *Matrix) CellsPerGene() []int {
	out := make([]int, len(m.Genes))
	for _, r := range m.Rows {
		out[r]++
	}
	return out
}
