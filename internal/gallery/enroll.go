package gallery

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/andresmejia3/rollcall/internal/oracle"
	"github.com/andresmejia3/rollcall/internal/tiler"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Entry is one enrollment row: a person and their reference photos.
type Entry struct {
	Name  string
	Paths []string
}

// LoadEnrollment reads an enrollment CSV from disk.
func LoadEnrollment(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open enrollment: %w", err)
	}
	defer f.Close()
	return ReadEnrollment(f)
}

// ReadEnrollment parses enrollment CSV: a header row, then
// `name, path1, path2, ...` per row. Empty cells are ignored and rows with
// fewer than two columns are skipped. Rows may have differing widths.
func ReadEnrollment(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read enrollment header: %w", err)
	}

	var entries []Entry
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read enrollment: %w", err)
		}
		if len(row) < 2 {
			continue
		}
		name := CanonicalName(row[0])
		if name == "" {
			continue
		}
		e := Entry{Name: name}
		for _, cell := range row[1:] {
			if p := strings.TrimSpace(cell); p != "" {
				e.Paths = append(e.Paths, p)
			}
		}
		if len(e.Paths) > 0 {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// BuildSkip records a reference image that contributed nothing.
type BuildSkip struct {
	Name   string
	Path   string
	Reason string
	Err    error
}

// BuildOptions tunes gallery construction.
type BuildOptions struct {
	Logger *log.Logger
	// OnImage is called after each reference image, successful or not.
	OnImage func()
}

// Build runs every reference image through the oracle and collects the first
// detected face per image. A person whose images all fail is left out.
// Per-image failures are returned as skips; only cancellation aborts.
func Build(ctx context.Context, o oracle.Oracle, entries []Entry, opts BuildOptions) (Gallery, []BuildSkip, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	g := New()
	var skips []BuildSkip
	skip := func(name, path, reason string, err error) {
		logger.Printf("enroll %s: skipping %s (%s): %v", name, path, reason, err)
		skips = append(skips, BuildSkip{Name: name, Path: path, Reason: reason, Err: err})
	}

	for _, e := range entries {
		for _, path := range e.Paths {
			if err := ctx.Err(); err != nil {
				return nil, skips, err
			}
			emb, reason, err := embedReference(ctx, o, path)
			if opts.OnImage != nil {
				opts.OnImage()
			}
			if err != nil {
				skip(e.Name, path, reason, err)
				continue
			}
			if err := g.Add(e.Name, emb); err != nil {
				skip(e.Name, path, "dimension", err)
			}
		}
	}
	return g, skips, nil
}

var errNoFace = errors.New("no face detected")

func embedReference(ctx context.Context, o oracle.Oracle, path string) (types.Embedding, string, error) {
	img, err := tiler.Load(path)
	if err != nil {
		return nil, "decode", err
	}
	faces, err := o.DetectAndEmbed(ctx, img)
	if err != nil {
		var oErr *types.OracleError
		if errors.As(err, &oErr) {
			oErr.Source = path
		} else {
			err = &types.OracleError{Source: path, Err: err}
		}
		return nil, "oracle", err
	}
	if len(faces) == 0 {
		return nil, "no face", errNoFace
	}
	return faces[0].Embedding, "", nil
}
