// Package pipeline drives a batch of images through tiling, embedding,
// matching and aggregation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/aggregate"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/oracle"
	"github.com/andresmejia3/rollcall/internal/tiler"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
)

// DefaultFloor is the default mean confidence (percent) an identity needs to
// be reported present.
const DefaultFloor = 0.0

// Options configures a Pipeline.
type Options struct {
	GridSizes  []int
	WholeImage bool
	Engines    int
	Floor      float64
	// Progress is called from the collector after every image.
	Progress func(done, total int)
}

// DefaultOptions returns grids 3 and 4 plus the whole image, processed sequentially.
func DefaultOptions() Options {
	return Options{
		GridSizes:  append([]int(nil), tiler.DefaultGridSizes...),
		WholeImage: true,
		Engines:    1,
		Floor:      DefaultFloor,
	}
}

// Pipeline is safe to reuse across runs; every Run gets its own aggregator.
type Pipeline struct {
	oracle  oracle.Oracle
	matcher *matcher.Matcher
	opts    Options
	logger  *log.Logger
}

// New validates opts and builds a pipeline.
func New(o oracle.Oracle, m *matcher.Matcher, opts Options, logger *log.Logger) (*Pipeline, error) {
	for _, g := range opts.GridSizes {
		if g < 1 {
			return nil, fmt.Errorf("%w: got %d", tiler.ErrInvalidGrid, g)
		}
	}
	if len(opts.GridSizes) == 0 && !opts.WholeImage {
		return nil, errors.New("no grid sizes configured and whole image disabled")
	}
	if opts.Engines < 1 {
		opts.Engines = 1
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pipeline{oracle: o, matcher: m, opts: opts, logger: logger}, nil
}

// imageResult is the complete outcome of one source image.
type imageResult struct {
	Index   int
	Source  string
	Results []types.MatchResult
	Skipped []Skip
	Decoded bool
}

// Run processes paths and aggregates a verdict. Unreadable images and failed
// tiles are recorded in Report.Skipped. When ctx is cancelled no further
// images are started, images already in flight finish, and the partial report
// is returned together with ctx.Err().
func (p *Pipeline) Run(ctx context.Context, paths []string) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Images:    len(paths),
		StartedAt: time.Now(),
	}
	if p.matcher.Empty() {
		p.logger.Printf("run %s: gallery is empty, every face will be unmatched", report.RunID)
	}

	taskChan := make(chan types.ImageTask, p.opts.Engines)
	resultsChan := make(chan imageResult, p.opts.Engines*2)
	var wg sync.WaitGroup

	// In-flight images run to completion even after cancellation.
	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.opts.Engines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				resultsChan <- p.processPath(workCtx, task)
			}
		}()
	}

	go func() {
		defer close(taskChan)
		for i, path := range paths {
			// select picks at random among ready cases, so a send could win
			// over an already closed Done channel.
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case taskChan <- types.ImageTask{Index: i, Path: path}:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	agg := aggregate.New(p.opts.Floor)

	// Buffer for re-ordering images (worker 2 might finish before worker 1)
	buffer := make(map[int]imageResult)
	next := 0
	done := 0
	consume := func(res imageResult) {
		agg.Add(res.Source, res.Results)
		report.Results = append(report.Results, res.Results...)
		report.Skipped = append(report.Skipped, res.Skipped...)
		if res.Decoded {
			report.Processed++
		}
		done++
		if p.opts.Progress != nil {
			p.opts.Progress(done, len(paths))
		}
	}

	for res := range resultsChan {
		buffer[res.Index] = res
		for {
			r, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			consume(r)
			next++
		}
	}
	// Submission is a contiguous prefix of paths, so nothing should remain.
	if len(buffer) > 0 {
		keys := make([]int, 0, len(buffer))
		for k := range buffer {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			consume(buffer[k])
		}
	}

	report.Verdict, report.Rejected = agg.Results()
	report.Duration = time.Since(report.StartedAt)

	if err := ctx.Err(); err != nil {
		report.Cancelled = true
		p.logger.Printf("run %s cancelled after %d of %d images", report.RunID, done, len(paths))
		return report, err
	}
	return report, nil
}

// RunDir runs every image file directly inside dir, in name order.
func (p *Pipeline) RunDir(ctx context.Context, dir string) (*Report, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, paths)
}

// Recognize matches every face found in a single image. Nothing is
// deduplicated: two people in the same scene come back as two results. Tiles
// that failed are reported through the joined error alongside whatever was
// recognised in the others.
func (p *Pipeline) Recognize(ctx context.Context, img image.Image) ([]types.MatchResult, error) {
	res := p.processImage(ctx, img, "")
	var errs []error
	for _, s := range res.Skipped {
		errs = append(errs, s.Err)
	}
	return res.Results, errors.Join(errs...)
}

func (p *Pipeline) processPath(ctx context.Context, task types.ImageTask) imageResult {
	img, err := tiler.Load(task.Path)
	if err != nil {
		p.logger.Printf("skipping %s: %v", task.Path, err)
		return imageResult{
			Index:   task.Index,
			Source:  task.Path,
			Skipped: []Skip{newSkip(task.Path, "", ReasonDecode, err)},
		}
	}
	res := p.processImage(ctx, img, task.Path)
	res.Index = task.Index
	return res
}

// processImage tiles img, embeds every tile and matches every face.
func (p *Pipeline) processImage(ctx context.Context, img image.Image, source string) imageResult {
	res := imageResult{Source: source, Decoded: true}

	tiles, err := tiler.TileAll(img, p.opts.GridSizes)
	if err != nil {
		// Grid sizes are validated in New.
		res.Skipped = append(res.Skipped, newSkip(source, "", ReasonTile, err))
		return res
	}
	if p.opts.WholeImage {
		tiles = append(tiles, tiler.Whole(img))
	}

	policy := p.matcher.Policy()
	for _, tile := range tiles {
		if tile.Region.Empty() {
			continue
		}
		faces, err := p.oracle.DetectAndEmbed(ctx, tile.Image)
		if err != nil {
			oErr := &types.OracleError{Source: source, Tile: tile.Ref, Err: unwrapOracle(err)}
			p.logger.Printf("%v", oErr)
			res.Skipped = append(res.Skipped, newSkip(source, tile.Ref.String(), ReasonOracle, oErr))
			continue
		}

		for _, face := range faces {
			region := face.Region.Offset(tile.Region.Left, tile.Region.Top)
			m, err := p.matcher.Match(face.Embedding)
			if err != nil {
				// The face is still reported, as a no-match.
				res.Skipped = append(res.Skipped, newSkip(source, tile.Ref.String(), ReasonDimension, err))
				res.Results = append(res.Results, types.MatchResult{Source: source, Tile: tile.Ref, Region: region})
				continue
			}
			mr := types.MatchResult{
				Source:   source,
				Tile:     tile.Ref,
				Region:   region,
				Identity: m.Identity,
				Matched:  m.Matched,
				Score:    m.Score,
			}
			if m.Nearest != "" {
				mr.Confidence = policy.Confidence(m.Score)
			} else {
				// Empty gallery: the NaN score is not representable in JSON reports.
				mr.Score = 0
			}
			res.Results = append(res.Results, mr)
		}
	}
	return res
}

// unwrapOracle strips an OracleError without context so the rewrapped error
// does not repeat the prefix.
func unwrapOracle(err error) error {
	var oErr *types.OracleError
	if errors.As(err, &oErr) && oErr.Source == "" {
		return oErr.Err
	}
	return err
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// ListImages returns the image files directly inside dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
