package matcher

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/coder/hnsw"
)

const (
	defaultIndexCandidates = 16
	indexMaxNeighbors      = 16
	indexEfSearch          = 100
)

// annIndex preselects candidate references with an HNSW graph. The graph is
// built with a fixed seed in reference order, so the same gallery always
// yields the same graph and the same candidates.
//
// The graph only supplies a radius. Every reference that could lie within
// that radius of the probe is then found through its distance to a fixed
// pivot (triangle inequality), so the candidate set always contains the
// exact best reference and every reference tied with it.
type annIndex struct {
	mu    sync.Mutex
	graph *hnsw.Graph[int]
	refs  []ref
	k     int

	mode      Mode
	pivot     []float64
	byPivot   []int     // reference indexes sorted by pivot distance
	pivotDist []float64 // pivot distance of byPivot[i]
	unbounded []int     // zero-norm references in similarity mode, always candidates
}

func newANNIndex(refs []ref, mode Mode, k int) *annIndex {
	if k <= 0 {
		k = defaultIndexCandidates
	}

	g := hnsw.NewGraph[int]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.EfSearch = max(k, indexEfSearch)
	g.Rng = rand.New(rand.NewSource(1))
	if mode == ModeSimilarity {
		g.Distance = hnsw.CosineDistance
	} else {
		g.Distance = hnsw.EuclideanDistance
	}

	x := &annIndex{graph: g, refs: refs, k: k, mode: mode}
	for i, r := range refs {
		g.Add(hnsw.MakeNode(i, []float32(r.vec)))
	}

	x.pivot, _ = x.point(refs[0].vec)
	dist := make([]float64, len(refs))
	for i, r := range refs {
		p, ok := x.point(r.vec)
		if !ok {
			x.unbounded = append(x.unbounded, i)
			continue
		}
		x.byPivot = append(x.byPivot, i)
		dist[i] = euclidean64(x.pivot, p)
	}
	sort.SliceStable(x.byPivot, func(a, b int) bool { return dist[x.byPivot[a]] < dist[x.byPivot[b]] })
	x.pivotDist = make([]float64, len(x.byPivot))
	for i, ri := range x.byPivot {
		x.pivotDist[i] = dist[ri]
	}
	return x
}

// point maps an embedding into the metric space the bound works in: the raw
// vector for distance mode, the unit vector for similarity mode (where the
// chord length is a monotone function of cosine similarity). ok is false for
// a zero vector in similarity mode.
func (x *annIndex) point(e types.Embedding) ([]float64, bool) {
	p := make([]float64, len(e))
	for i, v := range e {
		p[i] = float64(v)
	}
	if x.mode != ModeSimilarity {
		return p, true
	}
	n := norm(e)
	if n == 0 {
		return p, false
	}
	for i := range p {
		p[i] /= n
	}
	return p, true
}

// radius converts a score into a distance in the bound's metric space.
func (x *annIndex) radius(score float64) float64 {
	if x.mode == ModeSimilarity {
		return math.Sqrt(math.Max(0, 2-2*score))
	}
	return score
}

// candidates returns the references that can beat or tie the best of the
// graph's k nearest, in reference order so the exact rescoring keeps the name
// tie-break.
func (x *annIndex) candidates(probe types.Embedding, policy Policy) []ref {
	if len(x.refs) <= x.k {
		return x.refs
	}
	p, ok := x.point(probe)
	if !ok {
		return x.refs
	}

	x.mu.Lock()
	nodes := x.graph.Search([]float32(probe), x.k)
	x.mu.Unlock()

	best := policy.worst()
	for _, n := range nodes {
		if s := policy.Score(probe, x.refs[n.Key].vec); policy.Better(s, best) {
			best = s
		}
	}
	if math.IsInf(best, 0) || math.IsNaN(best) {
		return x.refs
	}

	rho := x.radius(best)
	rho += 1e-6 * (1 + rho)
	dp := euclidean64(x.pivot, p)
	lo := sort.SearchFloat64s(x.pivotDist, dp-rho)
	hi := sort.Search(len(x.pivotDist), func(i int) bool { return x.pivotDist[i] > dp+rho })

	idx := make([]int, 0, hi-lo+len(x.unbounded))
	idx = append(idx, x.byPivot[lo:hi]...)
	idx = append(idx, x.unbounded...)
	sort.Ints(idx)

	out := make([]ref, 0, len(idx))
	for _, i := range idx {
		out = append(out, x.refs[i])
	}
	return out
}

func euclidean64(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
