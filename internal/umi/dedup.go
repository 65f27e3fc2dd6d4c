// Package umi collapses UMI observations within one cell-gene bucket into
// molecules using directional adjacency.
package umi

import (
	"math"
	"sort"

	"github.com/agnivade/levenshtein"
)

// Bucket is the multiset of UMIs seen for one (barcode, gene) pair.
type Bucket map[string]uint32

// Add records n more observations of umi. Counts saturate at
// math.MaxUint32.
func (b Bucket) Add(umi string, n uint32) { b[umi] = SaturatingAdd(b[umi], n) }

// Merge folds o into b.
func (b Bucket) Merge(o Bucket) {
	for u, n := range o {
		b.Add(u, n)
	}
}

// Reads is the total number of observations.
func (b Bucket) Reads() uint64 {
	var total uint64
	for _, n := range b {
		total += uint64(n)
	}
	return total
}

// SaturatingAdd returns a+b, or math.MaxUint32 when the sum overflows.
func SaturatingAdd(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

// Clamp narrows n to uint32, saturating at math.MaxUint32.
func Clamp(n uint64) uint32 {
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// Cluster is one molecule: the UMIs judged to be its sequencing variants.
type Cluster struct {
	Representative string
	Count          uint32   // summed member counts, saturating
	Members        []string // highest count first
}

type node struct {
	umi   string
	count uint32
}

// Dedupe clusters the bucket. With maxDistance 0 every distinct UMI is a
// molecule. Otherwise u joins v when their edit distance is at most
// maxDistance and count(v) >= 2*count(u); each weakly connected component
// of that directed graph is one molecule, represented by its most
// abundant UMI (lexicographically smallest on ties). Clusters come back
// by descending count, then representative.
func Dedupe(b Bucket, maxDistance int) []Cluster {
	nodes := sortedNodes(b)
	if maxDistance <= 0 {
		out := make([]Cluster, len(nodes))
		for i, n := range nodes {
			out[i] = Cluster{Representative: n.umi, Count: n.count, Members: []string{n.umi}}
		}
		return out
	}
	return cluster(nodes, maxDistance, !substitutionsOnly(nodes, maxDistance))
}

// Molecules is the number of clusters Dedupe would return.
func Molecules(b Bucket, maxDistance int) int {
	return len(Dedupe(b, maxDistance))
}

// sortedNodes orders UMIs by descending count, then ascending sequence, so
// the first member of any component is its representative.
func sortedNodes(b Bucket) []node {
	nodes := make([]node, 0, len(b))
	for u, n := range b {
		if n == 0 {
			continue
		}
		nodes = append(nodes, node{u, n})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].count != nodes[j].count {
			return nodes[i].count > nodes[j].count
		}
		return nodes[i].umi < nodes[j].umi
	})
	return nodes
}

// substitutionsOnly reports whether every edit-distance-1 neighbor is a
// single ACGTN substitution, which holds when all UMIs share one length
// and alphabet.
func substitutionsOnly(nodes []node, maxDistance int) bool {
	if maxDistance != 1 || len(nodes) == 0 {
		return false
	}
	n := len(nodes[0].umi)
	for _, nd := range nodes {
		if len(nd.umi) != n {
			return false
		}
		for i := 0; i < len(nd.umi); i++ {
			switch nd.umi[i] {
			case 'A', 'C', 'G', 'T', 'N':
			default:
				return false
			}
		}
	}
	return true
}

func cluster(nodes []node, maxDistance int, pairwise bool) []Cluster {
	uf := newUnionFind(len(nodes))
	if pairwise {
		linkPairwise(nodes, maxDistance, uf)
	} else {
		linkSubstitutions(nodes, uf)
	}

	byRoot := make(map[int]int, len(nodes))
	var out []Cluster
	for i, n := range nodes {
		root := uf.find(i)
		ci, ok := byRoot[root]
		if !ok {
			// nodes are in representative order, so the first member wins
			ci = len(out)
			byRoot[root] = ci
			out = append(out, Cluster{Representative: n.umi})
		}
		out[ci].Count = SaturatingAdd(out[ci].Count, n.count)
		out[ci].Members = append(out[ci].Members, n.umi)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Representative < out[j].Representative
	})
	return out
}

// linkPairwise checks every pair whose counts allow an edge. nodes is
// sorted by descending count, so a lower node j can only point at an
// earlier node i, and once count(i) < 2*count(j) no later i qualifies.
func linkPairwise(nodes []node, maxDistance int, uf *unionFind) {
	for j := 1; j < len(nodes); j++ {
		need := 2 * uint64(nodes[j].count)
		for i := 0; i < j; i++ {
			if uint64(nodes[i].count) < need {
				break
			}
			if abs(len(nodes[i].umi)-len(nodes[j].umi)) > maxDistance {
				continue
			}
			if levenshtein.ComputeDistance(nodes[i].umi, nodes[j].umi) <= maxDistance {
				uf.union(i, j)
			}
		}
	}
}

// linkSubstitutions enumerates the single-base neighbors of each UMI
// instead of comparing all pairs.
func linkSubstitutions(nodes []node, uf *unionFind) {
	pos := make(map[string]int, len(nodes))
	for i, n := range nodes {
		pos[n.umi] = i
	}
	for j, n := range nodes {
		need := 2 * uint64(n.count)
		if uint64(nodes[0].count) < need {
			continue
		}
		buf := []byte(n.umi)
		for k := range buf {
			orig := buf[k]
			for _, b := range []byte("ACGTN") {
				if b == orig {
					continue
				}
				buf[k] = b
				if i, ok := pos[string(buf)]; ok && uint64(nodes[i].count) >= need {
					uf.union(i, j)
				}
			}
			buf[k] = orig
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
