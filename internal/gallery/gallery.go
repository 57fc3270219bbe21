// Package gallery holds the set of enrolled identities and their reference
// embeddings, the contract for persisting it, and the enrollment builder.
package gallery

import (
	"sort"
	"strings"

	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/text/unicode/norm"
)

// Identity is one enrolled person and the embeddings of their reference photos.
type Identity struct {
	Name       string
	Embeddings []types.Embedding
}

// Gallery maps a canonical name to its identity record. It is built once per
// enrollment and treated as read-only for the duration of a run.
type Gallery map[string]Identity

// New returns an empty gallery.
func New() Gallery {
	return make(Gallery)
}

// CanonicalName trims and collapses whitespace and applies Unicode NFC so the
// same person enrolled from differently encoded sources maps to one key.
func CanonicalName(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}

// Add appends a reference embedding to the named identity, creating it if
// needed. All embeddings in a gallery must share one dimensionality.
func (g Gallery) Add(name string, e types.Embedding) error {
	name = CanonicalName(name)
	if dim := g.Dim(); dim != 0 && dim != e.Dim() {
		return &types.DimensionMismatchError{Want: dim, Got: e.Dim()}
	}
	id := g[name]
	id.Name = name
	id.Embeddings = append(id.Embeddings, e)
	g[name] = id
	return nil
}

// Names returns the identity names in lexicographic order.
func (g Gallery) Names() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dim returns the embedding dimensionality, or 0 for an empty gallery.
func (g Gallery) Dim() int {
	for _, id := range g {
		if len(id.Embeddings) > 0 {
			return id.Embeddings[0].Dim()
		}
	}
	return 0
}

// References returns the total number of reference embeddings.
func (g Gallery) References() int {
	n := 0
	for _, id := range g {
		n += len(id.Embeddings)
	}
	return n
}

// Check returns ErrEmptyGallery when there is nothing to match against.
// Callers treat it as a warning.
func (g Gallery) Check() error {
	if g.References() == 0 {
		return ErrEmptyGallery
	}
	return nil
}

// Equal reports whether both galleries hold the same identities with
// bit-identical embeddings in the same order.
func (g Gallery) Equal(o Gallery) bool {
	if len(g) != len(o) {
		return false
	}
	for name, a := range g {
		b, ok := o[name]
		if !ok || a.Name != b.Name || len(a.Embeddings) != len(b.Embeddings) {
			return false
		}
		for i := range a.Embeddings {
			if len(a.Embeddings[i]) != len(b.Embeddings[i]) {
				return false
			}
			for j := range a.Embeddings[i] {
				if a.Embeddings[i][j] != b.Embeddings[i][j] {
					return false
				}
			}
		}
	}
	return true
}

// Centroid returns the element-wise mean of the identity's reference embeddings.
func (id Identity) Centroid() types.Embedding {
	return Centroid(id.Embeddings)
}

// Centroid returns the element-wise mean of embs, accumulated in float64.
// It returns nil for an empty input.
func Centroid(embs []types.Embedding) types.Embedding {
	if len(embs) == 0 {
		return nil
	}
	sum := make([]float64, embs[0].Dim())
	for _, e := range embs {
		for i, v := range e {
			sum[i] += float64(v)
		}
	}
	out := make(types.Embedding, len(sum))
	n := float64(len(embs))
	for i, v := range sum {
		out[i] = float32(v / n)
	}
	return out
}
