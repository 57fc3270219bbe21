package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Reasons an image or tile was skipped.
const (
	ReasonDecode    = "decode"
	ReasonTile      = "tile"
	ReasonOracle    = "oracle"
	ReasonDimension = "dimension"
)

// Skip records one image or tile that contributed nothing to the verdict.
type Skip struct {
	Source string `json:"source"`
	Tile   string `json:"tile,omitempty"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func newSkip(source, tile, reason string, err error) Skip {
	return Skip{Source: source, Tile: tile, Reason: reason, Err: err}
}

// MarshalJSON includes the error text.
func (s Skip) MarshalJSON() ([]byte, error) {
	type plain Skip
	msg := ""
	if s.Err != nil {
		msg = s.Err.Error()
	}
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(s), msg})
}

// Report is the outcome of one Run.
type Report struct {
	RunID     string              `json:"run_id"`
	Verdict   types.Verdict       `json:"verdict"`
	Rejected  types.Verdict       `json:"rejected,omitempty"`
	Results   []types.MatchResult `json:"results,omitempty"`
	Images    int                 `json:"images"`
	Processed int                 `json:"processed"`
	Skipped   []Skip              `json:"skipped,omitempty"`
	Cancelled bool                `json:"cancelled,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration_ns"`
}

// CSVHeader is the header row written by WriteCSV.
var CSVHeader = []string{"Name", "Average Similarity (%)", "Times Recognized"}

// WriteCSV writes one row per present identity in name order, with the mean
// confidence rounded to two decimals.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, name := range r.Verdict.Names() {
		att := r.Verdict[name]
		row := []string{
			name,
			strconv.FormatFloat(types.Round2(att.Confidence), 'f', 2, 64),
			strconv.Itoa(att.Samples),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary is a one-line description for logs.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d present, %d below floor, %d/%d images processed, %d skipped in %s",
		len(r.Verdict), len(r.Rejected), r.Processed, r.Images, len(r.Skipped), r.Duration.Round(time.Millisecond))
}
