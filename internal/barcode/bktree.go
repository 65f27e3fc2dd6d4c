package barcode

// BKTree indexes the whitelist by Hamming distance. It answers any
// mismatch budget without the combinatorial variant table, at the cost of
// visiting a fraction of the tree per query.
type BKTree struct {
	wl    *Whitelist
	nodes []bkNode
}

type bkNode struct {
	pos  int32
	kids []bkEdge
}

type bkEdge struct {
	dist uint8
	node int32
}

// NewBKTree inserts every whitelist entry in file order.
func NewBKTree(wl *Whitelist) *BKTree {
	t := &BKTree{wl: wl, nodes: make([]bkNode, 0, wl.Len())}
	for pos := range wl.barcodes {
		t.insert(int32(pos))
	}
	return t
}

func (t *BKTree) insert(pos int32) {
	if len(t.nodes) == 0 {
		t.nodes = append(t.nodes, bkNode{pos: pos})
		return
	}
	bc := t.wl.at(pos)
	cur := int32(0)
	for {
		n := &t.nodes[cur]
		d := uint8(hamming(bc, t.wl.at(n.pos), len(bc)))
		next := int32(-1)
		for _, e := range n.kids {
			if e.dist == d {
				next = e.node
				break
			}
		}
		if next < 0 {
			t.nodes = append(t.nodes, bkNode{pos: pos})
			// n may be stale after the append.
			t.nodes[cur].kids = append(t.nodes[cur].kids, bkEdge{dist: d, node: int32(len(t.nodes) - 1)})
			return
		}
		cur = next
	}
}

// Nearest implements Index.
func (t *BKTree) Nearest(dst []int32, raw string, maxMismatch int) ([]int32, int) {
	if len(t.nodes) == 0 {
		return dst, 0
	}
	best := maxMismatch + 1
	start := len(dst)
	stack := []int32{0}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[cur]
		d := hamming(raw, t.wl.at(n.pos), len(raw))
		if d <= maxMismatch {
			switch {
			case d < best:
				best = d
				dst = append(dst[:start], n.pos)
			case d == best:
				dst = append(dst, n.pos)
			}
		}
		tol := maxMismatch
		if best < tol {
			tol = best
		}
		for _, e := range n.kids {
			if ed := int(e.dist); ed >= d-tol && ed <= d+tol {
				stack = append(stack, e.node)
			}
		}
	}
	if best > maxMismatch {
		return dst[:start], 0
	}
	return dst, best
}
