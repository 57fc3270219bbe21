// Package matcher finds the enrolled identity closest to a probe embedding.
package matcher

import (
	"fmt"
	"math"
	"strings"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
)

// References selects what a probe is compared against for each identity.
type References int

const (
	// RefCentroid compares against the mean of an identity's references.
	RefCentroid References = iota
	// RefBestOf compares against every reference and keeps the best score.
	RefBestOf
)

func (r References) String() string {
	if r == RefBestOf {
		return "best-of"
	}
	return "centroid"
}

// ParseReferences accepts "centroid" or "best-of".
func ParseReferences(s string) (References, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "centroid", "mean":
		return RefCentroid, nil
	case "best-of", "bestof", "best":
		return RefBestOf, nil
	default:
		return 0, fmt.Errorf("unknown reference policy %q (want centroid or best-of)", s)
	}
}

// Options configures a Matcher.
type Options struct {
	Policy     Policy
	References References
	// Index enables an HNSW preselection for large galleries. Candidates are
	// widened to every reference within the preselected radius and rescored
	// exactly, so results equal the exhaustive scan.
	Index           bool
	IndexCandidates int
}

// Result is the best match for one probe. Nearest is set whenever the gallery
// is not empty; Identity only when the score passed the threshold.
type Result struct {
	Identity string
	Nearest  string
	Matched  bool
	Score    float64
}

// ref is one comparison target, kept sorted by name.
type ref struct {
	name string
	vec  types.Embedding
}

// Matcher holds a prepared, read-only view of a gallery and is safe for
// concurrent use.
type Matcher struct {
	policy Policy
	refs   []ref
	dim    int
	index  *annIndex
}

// New prepares g for matching. Centroids and the optional index are computed
// once here.
func New(g gallery.Gallery, opts Options) (*Matcher, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}

	m := &Matcher{policy: opts.Policy, dim: g.Dim()}
	for _, name := range g.Names() {
		id := g[name]
		if len(id.Embeddings) == 0 {
			continue
		}
		for _, e := range id.Embeddings {
			if e.Dim() != m.dim {
				return nil, &types.DimensionMismatchError{Want: m.dim, Got: e.Dim()}
			}
		}
		switch opts.References {
		case RefBestOf:
			for _, e := range id.Embeddings {
				m.refs = append(m.refs, ref{name: name, vec: e})
			}
		default:
			m.refs = append(m.refs, ref{name: name, vec: id.Centroid()})
		}
	}

	if opts.Index && len(m.refs) > 0 {
		m.index = newANNIndex(m.refs, opts.Policy.Mode, opts.IndexCandidates)
	}
	return m, nil
}

// Policy returns the acceptance policy in use.
func (m *Matcher) Policy() Policy { return m.policy }

// Empty reports whether there is nothing to match against.
func (m *Matcher) Empty() bool { return len(m.refs) == 0 }

// Match scores probe against the gallery. An empty gallery yields a no-match
// with a NaN score. Ties go to the lexicographically smallest name.
func (m *Matcher) Match(probe types.Embedding) (Result, error) {
	if len(m.refs) == 0 {
		return Result{Score: math.NaN()}, nil
	}
	if probe.Dim() != m.dim {
		return Result{}, &types.DimensionMismatchError{Want: m.dim, Got: probe.Dim()}
	}

	candidates := m.refs
	if m.index != nil {
		candidates = m.index.candidates(probe, m.policy)
	}

	best := m.policy.worst()
	bestName := ""
	for _, r := range candidates {
		score := m.policy.Score(probe, r.vec)
		if m.policy.Better(score, best) {
			best, bestName = score, r.name
		}
	}
	if bestName == "" {
		// Every score was NaN.
		return Result{Score: math.NaN()}, nil
	}

	res := Result{Nearest: bestName, Score: best}
	if m.policy.Accepts(best) {
		res.Identity = bestName
		res.Matched = true
	}
	return res, nil
}

// Match is the one-shot form: centroid references, no index.
func Match(probe types.Embedding, g gallery.Gallery, policy Policy) (Result, error) {
	m, err := New(g, Options{Policy: policy})
	if err != nil {
		return Result{}, err
	}
	return m.Match(probe)
}
