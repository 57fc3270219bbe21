package matcher

import (
	"fmt"
	"math"
	"strings"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Mode selects how two embeddings are compared.
type Mode int

const (
	// ModeDistance scores with Euclidean distance; lower is better.
	ModeDistance Mode = iota
	// ModeSimilarity scores with cosine similarity; higher is better.
	ModeSimilarity
)

func (m Mode) String() string {
	switch m {
	case ModeDistance:
		return "distance"
	case ModeSimilarity:
		return "similarity"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "distance" or "similarity".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "distance", "euclidean":
		return ModeDistance, nil
	case "similarity", "cosine":
		return ModeSimilarity, nil
	default:
		return 0, fmt.Errorf("unknown match mode %q (want distance or similarity)", s)
	}
}

// Default thresholds for each mode.
const (
	DefaultDistanceThreshold   = 0.4
	DefaultSimilarityThreshold = 0.7
)

// Policy is the acceptance rule: a scoring function and the threshold the
// best score must meet.
type Policy struct {
	Mode      Mode
	Threshold float64
}

// DefaultPolicy returns the default policy for a mode.
func DefaultPolicy(m Mode) Policy {
	if m == ModeSimilarity {
		return Policy{Mode: ModeSimilarity, Threshold: DefaultSimilarityThreshold}
	}
	return Policy{Mode: ModeDistance, Threshold: DefaultDistanceThreshold}
}

// Validate rejects thresholds outside the range of the scoring function.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeDistance:
		if p.Threshold < 0 || math.IsNaN(p.Threshold) {
			return fmt.Errorf("distance threshold must be >= 0, got %v", p.Threshold)
		}
	case ModeSimilarity:
		if p.Threshold < -1 || p.Threshold > 1 || math.IsNaN(p.Threshold) {
			return fmt.Errorf("similarity threshold must be in [-1, 1], got %v", p.Threshold)
		}
	default:
		return fmt.Errorf("unknown match mode %v", p.Mode)
	}
	return nil
}

// Score compares two embeddings of equal length.
func (p Policy) Score(a, b types.Embedding) float64 {
	if p.Mode == ModeSimilarity {
		return cosineSimilarity(a, b)
	}
	return euclideanDistance(a, b)
}

// Better reports whether score a is strictly better than b.
func (p Policy) Better(a, b float64) bool {
	if p.Mode == ModeSimilarity {
		return a > b
	}
	return a < b
}

// Accepts reports whether a best score is good enough to be a match.
func (p Policy) Accepts(score float64) bool {
	if math.IsNaN(score) {
		return false
	}
	if p.Mode == ModeSimilarity {
		return score >= p.Threshold
	}
	return score <= p.Threshold
}

// worst is the score every real score beats.
func (p Policy) worst() float64 {
	if p.Mode == ModeSimilarity {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// Confidence converts a score into the percentage reported per sighting:
// (1 - distance) * 100 or similarity * 100.
func (p Policy) Confidence(score float64) float64 {
	if p.Mode == ModeSimilarity {
		return score * 100
	}
	return (1 - score) * 100
}

func euclideanDistance(a, b types.Embedding) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func norm(a types.Embedding) float64 {
	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity returns 0 when either vector has zero norm.
func cosineSimilarity(a, b types.Embedding) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}
