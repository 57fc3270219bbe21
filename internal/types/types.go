package types

import (
	"fmt"
	"math"
	"sort"
)

// ImageTask represents a single source image handed to a pipeline worker
type ImageTask struct {
	Index int
	Path  string
}

// Region is an axis-aligned rectangle in pixel coordinates.
// Bottom and Right are exclusive.
type Region struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Bottom int `json:"bottom"`
	Right  int `json:"right"`
}

// Width returns the horizontal extent of the region.
func (r Region) Width() int { return r.Right - r.Left }

// Height returns the vertical extent of the region.
func (r Region) Height() int { return r.Bottom - r.Top }

// Empty reports whether the region covers no pixels.
func (r Region) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Offset shifts the region by (dx, dy). Used to map a detection inside a tile
// back into the coordinate space of the source image.
func (r Region) Offset(dx, dy int) Region {
	return Region{Top: r.Top + dy, Left: r.Left + dx, Bottom: r.Bottom + dy, Right: r.Right + dx}
}

func (r Region) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.Left, r.Top, r.Right, r.Bottom)
}

// Embedding is a fixed-length face descriptor produced by the embedding oracle.
type Embedding []float32

// Dim returns the dimensionality of the embedding.
func (e Embedding) Dim() int { return len(e) }

// Face is one detection returned by the embedding oracle.
type Face struct {
	Region    Region    `json:"region"`
	Embedding Embedding `json:"embedding"`
}

// TileRef identifies which tile of a source image a detection came from.
// Grid 0 means the whole image.
type TileRef struct {
	Grid  int `json:"grid"`
	Index int `json:"index"`
}

func (t TileRef) String() string {
	if t.Grid == 0 {
		return "whole"
	}
	return fmt.Sprintf("%dx%d#%d", t.Grid, t.Grid, t.Index)
}

// MatchResult is the outcome of matching one probe embedding against the gallery.
type MatchResult struct {
	Source     string  `json:"source"`
	Tile       TileRef `json:"tile"`
	Region     Region  `json:"region"` // in source image coordinates
	Identity   string  `json:"identity,omitempty"`
	Matched    bool    `json:"matched"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"` // percentage derived from Score
}

// Attendance is the batch-level decision for one identity.
type Attendance struct {
	Name       string    `json:"name"`
	Confidence float64   `json:"confidence"` // mean of Scores
	Samples    int       `json:"samples"`    // number of source images the identity was seen in
	Scores     []float64 `json:"scores"`
}

// Verdict maps identity name to its attendance decision.
type Verdict map[string]Attendance

// Names returns the identities present in the verdict in lexicographic order.
func (v Verdict) Names() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Round2 rounds to two decimals, the precision used when reporting percentages.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
