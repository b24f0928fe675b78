package tree

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// tieTolerance is the relative gain difference below which two candidates
// count as equal. Gains come from running sums, so mirrored partitions with
// the same variance reduction can differ in the last few bits.
const tieTolerance = 1e-10

// split is a candidate partition of a node's rows.
type split struct {
	feature   int
	threshold float64
	gain      float64
}

// builder grows a node arena from rows referenced by index. Indices may
// repeat, which is how bootstrap samples are represented.
type builder struct {
	X        [][]float64
	y        []float64
	maxDepth int
	nodes    []Node

	// scratch buffers reused across nodes
	sorted  []int
	targets []float64
}

func newBuilder(X [][]float64, y []float64, maxDepth, capacity int) *builder {
	return &builder{
		X:        X,
		y:        y,
		maxDepth: maxDepth,
		nodes:    make([]Node, 0, capacity),
		sorted:   make([]int, 0, capacity),
		targets:  make([]float64, 0, capacity),
	}
}

// grow adds the subtree for inx at depth and returns its arena index.
func (b *builder) grow(inx []int, depth int) int {
	b.targets = b.targets[:0]
	for _, i := range inx {
		b.targets = append(b.targets, b.y[i])
	}
	mean, variance := stat.PopMeanVariance(b.targets, nil)
	if variance < 0 || math.IsNaN(variance) {
		variance = 0
	}

	id := len(b.nodes)
	b.nodes = append(b.nodes, leafNode(mean, len(inx), depth, variance))

	if depth >= b.maxDepth || len(inx) < 2 || variance == 0 {
		return id
	}

	best := b.bestSplit(inx, mean, variance)
	if !(best.gain > 0) {
		return id
	}

	left := make([]int, 0, len(inx))
	right := make([]int, 0, len(inx))
	for _, i := range inx {
		if b.X[i][best.feature] <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	// bestSplit only proposes thresholds that separate two distinct values
	if len(left) == 0 || len(right) == 0 {
		return id
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)

	n := &b.nodes[id]
	n.Leaf = false
	n.Feature = best.feature
	n.Threshold = best.threshold
	n.Left = l
	n.Right = r
	return id
}

// bestSplit scans every feature in index order and every midpoint between
// adjacent distinct values in ascending order. The first candidate with the
// strictly greatest variance reduction wins; a later candidate replaces it
// only when it is better by more than tieTolerance·parentVar. When no
// candidate exists the returned gain is -Inf.
func (b *builder) bestSplit(inx []int, mean, parentVar float64) split {
	best := split{feature: NoChild, gain: math.Inf(-1)}
	n := float64(len(inx))
	tol := tieTolerance * parentVar
	nFeatures := len(b.X[inx[0]])

	for f := 0; f < nFeatures; f++ {
		b.sorted = append(b.sorted[:0], inx...)
		sort.SliceStable(b.sorted, func(i, j int) bool {
			return b.X[b.sorted[i]][f] < b.X[b.sorted[j]][f]
		})

		// Sums of targets centred on the parent mean. The right side is
		// derived from the totals.
		var totSum, totSq float64
		for _, i := range b.sorted {
			d := b.y[i] - mean
			totSum += d
			totSq += d * d
		}

		var lSum, lSq float64
		for k := 0; k < len(b.sorted)-1; k++ {
			d := b.y[b.sorted[k]] - mean
			lSum += d
			lSq += d * d

			lo := b.X[b.sorted[k]][f]
			hi := b.X[b.sorted[k+1]][f]
			if lo == hi {
				continue
			}

			nl := float64(k + 1)
			nr := n - nl
			rSum := totSum - lSum
			rSq := totSq - lSq

			// n·Var(child) = Σd² − (Σd)²/n_child
			lSSE := math.Max(lSq-lSum*lSum/nl, 0)
			rSSE := math.Max(rSq-rSum*rSum/nr, 0)
			gain := parentVar - (lSSE+rSSE)/n

			if gain > best.gain+tol {
				best = split{feature: f, threshold: midpoint(lo, hi), gain: gain}
			}
		}
	}
	return best
}

// midpoint returns (lo+hi)/2, falling back to lo when rounding would put
// the threshold on hi and move hi to the left partition.
func midpoint(lo, hi float64) float64 {
	m := (lo + hi) / 2
	if math.IsInf(m, 0) {
		m = lo/2 + hi/2
	}
	if m >= hi {
		return lo
	}
	return m
}
