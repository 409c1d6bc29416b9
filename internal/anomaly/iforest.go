package anomaly

import (
	"math"
	"math/rand/v2"
	"sort"
)

const (
	maxSubsample = 256
	eulerGamma   = 0.5772156649
)

type node struct {
	feature     int
	split       float64
	left, right *node
	size        int
}

func (n *node) leaf() bool {
	return n.left == nil
}

// forest is an isolation forest. Points that random axis-aligned splits
// separate quickly get short paths and high scores.
type forest struct {
	trees     []*node
	subsample int
}

func growForest(data [][]float64, trees int, rng *rand.Rand) *forest {
	psi := min(maxSubsample, len(data))
	limit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	f := &forest{subsample: psi, trees: make([]*node, 0, trees)}
	for range trees {
		idx := rng.Perm(len(data))[:psi]
		rows := make([][]float64, psi)
		for i, j := range idx {
			rows[i] = data[j]
		}
		f.trees = append(f.trees, growTree(rows, 0, limit, rng))
	}
	return f
}

func growTree(rows [][]float64, depth, limit int, rng *rand.Rand) *node {
	if depth >= limit || len(rows) <= 1 {
		return &node{size: len(rows)}
	}

	type bounds struct {
		feature int
		lo, hi  float64
	}
	var splittable []bounds
	for j := range rows[0] {
		lo, hi := rows[0][j], rows[0][j]
		for _, r := range rows[1:] {
			lo, hi = math.Min(lo, r[j]), math.Max(hi, r[j])
		}
		if hi > lo {
			splittable = append(splittable, bounds{j, lo, hi})
		}
	}
	if len(splittable) == 0 {
		return &node{size: len(rows)}
	}

	b := splittable[rng.IntN(len(splittable))]
	split := b.lo + rng.Float64()*(b.hi-b.lo)

	var left, right [][]float64
	for _, r := range rows {
		if r[b.feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return &node{
		feature: b.feature,
		split:   split,
		left:    growTree(left, depth+1, limit, rng),
		right:   growTree(right, depth+1, limit, rng),
	}
}

func pathLength(x []float64, n *node) float64 {
	depth := 0.0
	for !n.leaf() {
		if x[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return depth + averagePath(n.size)
}

// averagePath is the mean unsuccessful search length in a binary search tree
// of n points, used to extend paths that end in an unsplit leaf.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// score returns the anomaly score in (0, 1]; higher is more anomalous.
func (f *forest) score(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(x, t)
	}
	mean := total / float64(len(f.trees))
	c := averagePath(f.subsample)
	if c == 0 {
		return 1
	}
	return math.Pow(2, -mean/c)
}

// percentile interpolates linearly between closest ranks, q in [0, 1].
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
