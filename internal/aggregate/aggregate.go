// Package aggregate collapses per-tile match results from a batch of images
// into one attendance decision per identity.
package aggregate

import (
	"sort"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Aggregator accumulates match results for a single run.
//
// Each identity contributes at most one sample per source image, the best
// confidence among all tiles of that image it was matched in. The verdict
// only depends on the set of results added, not on the order or grouping of
// the calls.
type Aggregator struct {
	mu    sync.Mutex
	floor float64
	// best[identity][source] is the best confidence seen so far.
	best map[string]map[string]float64
}

// New creates an aggregator that accepts identities whose mean confidence is
// at least floor.
func New(floor float64) *Aggregator {
	return &Aggregator{
		floor: floor,
		best:  make(map[string]map[string]float64),
	}
}

// Add folds in results for one source image. Unmatched results are ignored.
// Results whose Source is empty are attributed to source.
func (a *Aggregator) Add(source string, results []types.MatchResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range results {
		if !r.Matched || r.Identity == "" {
			continue
		}
		src := r.Source
		if src == "" {
			src = source
		}
		perImage, ok := a.best[r.Identity]
		if !ok {
			perImage = make(map[string]float64)
			a.best[r.Identity] = perImage
		}
		if cur, seen := perImage[src]; !seen || r.Confidence > cur {
			perImage[src] = r.Confidence
		}
	}
}

// Verdict returns the identities whose mean confidence reaches the floor.
func (a *Aggregator) Verdict() types.Verdict {
	v, _ := a.split()
	return v
}

// Rejected returns identities that were seen but fell below the floor.
func (a *Aggregator) Rejected() types.Verdict {
	_, r := a.split()
	return r
}

// Results returns both the verdict and the rejected identities.
func (a *Aggregator) Results() (verdict, rejected types.Verdict) {
	return a.split()
}

func (a *Aggregator) split() (types.Verdict, types.Verdict) {
	a.mu.Lock()
	defer a.mu.Unlock()

	accepted := make(types.Verdict)
	rejected := make(types.Verdict)
	for name, perImage := range a.best {
		if len(perImage) == 0 {
			continue
		}
		// Sum in a fixed order so the mean is bit-identical across runs.
		sources := make([]string, 0, len(perImage))
		for src := range perImage {
			sources = append(sources, src)
		}
		sort.Strings(sources)

		scores := make([]float64, 0, len(sources))
		var sum float64
		for _, src := range sources {
			scores = append(scores, perImage[src])
			sum += perImage[src]
		}
		att := types.Attendance{
			Name:       name,
			Confidence: sum / float64(len(scores)),
			Samples:    len(scores),
			Scores:     scores,
		}
		if att.Confidence >= a.floor {
			accepted[name] = att
		} else {
			rejected[name] = att
		}
	}
	return accepted, rejected
}

// Aggregate is the one-shot form over an already collected batch.
func Aggregate(results []types.MatchResult, floor float64) types.Verdict {
	a := New(floor)
	a.Add("", results)
	return a.Verdict()
}
