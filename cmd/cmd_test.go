package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
)

// embeddingServer is a stand-in for the face embedding service: any image
// whose top-left pixel is not white holds one face, embedded as that colour.
func embeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		img, err := imaging.Decode(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		b := img.Bounds()
		c := color.NRGBAModel.Convert(img.At(b.Min.X, b.Min.Y)).(color.NRGBA)
		resp := map[string]any{"faces_count": 0, "faces": []any{}}
		if c.R != 255 || c.G != 255 || c.B != 255 {
			resp["faces_count"] = 1
			resp["faces"] = []any{map[string]any{
				"face_index": 0,
				"dim":        3,
				"embedding":  []float64{float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255},
				"bbox":       []int{0, 0, b.Dx(), b.Dy()},
				"det_score":  0.99,
			}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func solid(t *testing.T, path string, c color.Color) string {
	t.Helper()
	if err := imaging.Save(imaging.New(60, 60, c), path); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs the root command with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAttendEndToEnd(t *testing.T) {
	srv := embeddingServer(t)
	defer srv.Close()

	dir := t.TempDir()
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	alice := solid(t, filepath.Join(dir, "alice.png"), red)
	bob := solid(t, filepath.Join(dir, "bob.png"), blue)
	enrollment := filepath.Join(dir, "enrollment.csv")
	os.WriteFile(enrollment, []byte(fmt.Sprintf("name,image1\nalice,%s\nbob,%s\n", alice, bob)), 0644)

	class := filepath.Join(dir, "class")
	os.Mkdir(class, 0755)
	solid(t, filepath.Join(class, "monday.png"), red)
	solid(t, filepath.Join(class, "tuesday.png"), red)
	solid(t, filepath.Join(class, "empty.png"), color.White)
	os.WriteFile(filepath.Join(class, "broken.jpg"), []byte("not a jpeg"), 0644)

	t.Setenv("ROLLCALL_ORACLE", "http")
	t.Setenv("EMBEDDING_URL", srv.URL)
	t.Setenv("ROLLCALL_ENROLLMENT", enrollment)
	t.Setenv("ROLLCALL_GALLERY_BACKEND", "file")
	galleryPath := filepath.Join(dir, "gallery.cache")
	t.Setenv("ROLLCALL_GALLERY_PATH", galleryPath)

	report := filepath.Join(dir, "report.csv")
	out, err := execute(t, "attend", class, "--report", report)
	if err != nil {
		t.Fatalf("attend failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "alice") || strings.Contains(out, "bob") {
		t.Errorf("expected only alice in the table:\n%s", out)
	}

	csvData, err := os.ReadFile(report)
	if err != nil {
		t.Fatal(err)
	}
	want := "Name,Average Similarity (%),Times Recognized\nalice,100.00,2\n"
	if string(csvData) != want {
		t.Errorf("report =\n%s\nwant\n%s", csvData, want)
	}

	// The first run enrolled and cached the gallery.
	if _, err := os.Stat(galleryPath); err != nil {
		t.Fatalf("gallery was not cached: %v", err)
	}
	out, err = execute(t, "gallery", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "bob") {
		t.Errorf("gallery list missing identities:\n%s", out)
	}

	out, err = execute(t, "recognize", filepath.Join(class, "monday.png"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "whole") {
		t.Errorf("recognize output:\n%s", out)
	}

	if _, err := execute(t, "gallery", "invalidate", "--yes"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(galleryPath); !os.IsNotExist(err) {
		t.Errorf("gallery cache should be gone, stat err = %v", err)
	}
	out, _ = execute(t, "gallery", "list")
	if !strings.Contains(out, "No gallery cached") {
		t.Errorf("unexpected output after invalidate:\n%s", out)
	}

	out, err = execute(t, "enroll", enrollment)
	if err != nil {
		t.Fatalf("enroll failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "bob") {
		t.Errorf("enroll output:\n%s", out)
	}
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	t.Setenv("ROLLCALL_GRID_SIZES", "3,0")
	t.Setenv("ROLLCALL_GALLERY_PATH", filepath.Join(t.TempDir(), "g.cache"))
	if _, err := execute(t, "gallery", "list"); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestPipelineFlagsApply(t *testing.T) {
	var pf pipelineFlags
	cmd := &cobra.Command{Use: "test"}
	addPipelineFlags(cmd, &pf)
	if err := cmd.ParseFlags([]string{"--grid", "2,5", "--mode", "similarity", "--engines", "3", "--whole=false"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	threshold := 0.3
	cfg.Match.Threshold = &threshold
	cfg.Pipeline.Floor = 40
	if err := pf.apply(cmd, cfg); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(cfg.Pipeline.GridSizes) != "[2 5]" || cfg.Pipeline.Engines != 3 || cfg.Pipeline.WholeImage {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Floor != 40 {
		t.Errorf("unset flags must not override config, floor = %v", cfg.Pipeline.Floor)
	}
	if cfg.Match.Mode != "similarity" || cfg.Match.Threshold != nil {
		t.Errorf("switching mode should reset the threshold, got %+v", cfg.Match)
	}
}

func TestPipelineFlagsExplicitZeroThreshold(t *testing.T) {
	var pf pipelineFlags
	cmd := &cobra.Command{Use: "test"}
	addPipelineFlags(cmd, &pf)
	if err := cmd.ParseFlags([]string{"--mode", "similarity", "--threshold", "0"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	if err := pf.apply(cmd, cfg); err != nil {
		t.Fatal(err)
	}
	p, err := cfg.Policy()
	if err != nil {
		t.Fatal(err)
	}
	if p.Threshold != 0 {
		t.Errorf("explicit --threshold 0 was replaced by %v", p.Threshold)
	}
}

func TestCollectImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg", "notes.txt"} {
		os.WriteFile(filepath.Join(dir, name), nil, 0644)
	}
	single := filepath.Join(t.TempDir(), "single.jpeg")
	os.WriteFile(single, nil, 0644)

	paths, err := collectImages([]string{single, dir})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{single, filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.png")}
	if fmt.Sprint(paths) != fmt.Sprint(want) {
		t.Errorf("collectImages = %v, want %v", paths, want)
	}

	if _, err := collectImages([]string{filepath.Join(dir, "missing.png")}); err == nil {
		t.Error("expected error for a missing input")
	}
}

func TestPrintVerdict(t *testing.T) {
	report := &pipeline.Report{
		Verdict:  types.Verdict{"alice": {Name: "alice", Confidence: 91.256, Samples: 3}},
		Rejected: types.Verdict{"mallory": {Name: "mallory", Confidence: 12.5, Samples: 1}},
	}
	var buf bytes.Buffer
	printVerdict(&buf, report)
	out := buf.String()
	for _, want := range []string{"NAME", "alice", "91.26%", "mallory (12.50%)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printVerdict(&buf, &pipeline.Report{})
	if !strings.Contains(buf.String(), "Nobody recognized") {
		t.Errorf("empty verdict output:\n%s", buf.String())
	}
}

func TestPrintSkipped(t *testing.T) {
	report := &pipeline.Report{Skipped: []pipeline.Skip{
		{Source: "a.jpg", Reason: pipeline.ReasonDecode, Err: errors.New("unexpected EOF")},
		{Source: "b.jpg", Tile: "3x3#4", Reason: pipeline.ReasonOracle, Err: errors.New("timeout")},
	}}
	var buf bytes.Buffer
	printSkipped(&buf, report)
	if !strings.Contains(buf.String(), "a.jpg: decode: unexpected EOF") || !strings.Contains(buf.String(), "b.jpg [3x3#4]: oracle: timeout") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestPrintFaces(t *testing.T) {
	var buf bytes.Buffer
	printFaces(&buf, []types.MatchResult{
		{Identity: "alice", Matched: true, Confidence: 88, Region: types.Region{Top: 1, Left: 2, Bottom: 3, Right: 4}},
		{Identity: "", Matched: false},
	})
	out := buf.String()
	if !strings.Contains(out, "alice") || !strings.Contains(out, "unknown") || !strings.Contains(out, "(2,1)-(4,3)") {
		t.Errorf("unexpected output:\n%s", out)
	}

	buf.Reset()
	printFaces(&buf, nil)
	if !strings.Contains(buf.String(), "No faces detected") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestConfirm(t *testing.T) {
	tests := map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false}
	for in, want := range tests {
		var out bytes.Buffer
		if got := confirm(bufio.NewReader(strings.NewReader(in)), &out, "Delete?"); got != want {
			t.Errorf("confirm(%q) = %v, want %v", in, got, want)
		}
	}
}
