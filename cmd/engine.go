package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/notify"
	"github.com/andresmejia3/rollcall/internal/oracle"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
)

// pipelineFlags are the matching and tiling flags shared by attend, recognize and serve.
type pipelineFlags struct {
	Engines   int
	Floor     float64
	Grid      []int
	Whole     bool
	Mode      string
	Threshold float64
	ANN       bool
}

func addPipelineFlags(cmd *cobra.Command, pf *pipelineFlags) {
	f := cmd.Flags()
	f.IntVarP(&pf.Engines, "engines", "e", 1, "Number of images processed in parallel (and oracle workers spawned)")
	f.Float64Var(&pf.Floor, "floor", pipeline.DefaultFloor, "Minimum mean confidence (%) to report someone present")
	f.IntSliceVar(&pf.Grid, "grid", []int{3, 4}, "Grid sizes to tile each image into")
	f.BoolVar(&pf.Whole, "whole", true, "Also run the untiled image")
	f.StringVarP(&pf.Mode, "mode", "m", "distance", "Match mode: distance (euclidean) or similarity (cosine)")
	f.Float64VarP(&pf.Threshold, "threshold", "t", 0, "Match threshold (default per mode: 0.4 distance, 0.7 similarity)")
	f.BoolVar(&pf.ANN, "ann", false, "Preselect candidates with an HNSW index (large galleries)")
}

// apply overlays the flags the user actually set on cfg.
func (pf *pipelineFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("engines") {
		cfg.Pipeline.Engines = pf.Engines
	}
	if f.Changed("floor") {
		cfg.Pipeline.Floor = pf.Floor
	}
	if f.Changed("grid") {
		cfg.Pipeline.GridSizes = pf.Grid
	}
	if f.Changed("whole") {
		cfg.Pipeline.WholeImage = pf.Whole
	}
	if f.Changed("mode") {
		cfg.Match.Mode = pf.Mode
		if !f.Changed("threshold") {
			// A threshold for one mode is meaningless in the other.
			cfg.Match.Threshold = nil
		}
	}
	if f.Changed("threshold") {
		threshold := pf.Threshold
		cfg.Match.Threshold = &threshold
	}
	if f.Changed("ann") {
		cfg.Match.ANN = pf.ANN
	}
	return nil
}

// newOracle starts the configured embedding oracle. The returned func
// releases it.
func newOracle(cfg *config.Config, engines int) (oracle.Oracle, func(), error) {
	switch cfg.Oracle.Kind {
	case config.OracleHTTP:
		fmt.Fprintf(os.Stderr, "🌐 Using embedding server at %s\n", cfg.Oracle.URL)
		return oracle.NewHTTPClient(cfg.Oracle.URL, cfg.Oracle.Timeout), func() {}, nil
	default:
		fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Oracle Engine(s)...\n", engines)
		pool, err := worker.NewPool(engines, worker.CommandFactory(cfg.Oracle.Command), logger())
		if err != nil {
			return nil, nil, fmt.Errorf("worker startup failed: %w", err)
		}
		return oracle.WithTimeout(pool, cfg.Oracle.Timeout), pool.Close, nil
	}
}

// enroll builds a fresh gallery from the enrollment CSV at path.
func enroll(ctx context.Context, o oracle.Oracle, path string) (gallery.Gallery, []gallery.BuildSkip, error) {
	entries, err := gallery.LoadEnrollment(path)
	if err != nil {
		return nil, nil, err
	}
	total := 0
	for _, e := range entries {
		total += len(e.Paths)
	}

	bar := utils.NewProgressBar(total, "🧑‍🎓 Enrolling")
	g, skips, err := gallery.Build(ctx, o, entries, gallery.BuildOptions{
		Logger:  logger(),
		OnImage: func() { bar.Add(1) },
	})
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, skips, err
	}
	for _, s := range skips {
		fmt.Fprintf(os.Stderr, "⚠️  %s: skipped %s (%s)\n", s.Name, s.Path, s.Reason)
	}
	return g, skips, nil
}

// loadGallery returns the cached gallery, enrolling from the configured CSV
// when the cache is unavailable.
func loadGallery(ctx context.Context, o oracle.Oracle) (gallery.Gallery, error) {
	g, rebuilt, err := gallery.Ensure(ctx, Cache, func(ctx context.Context) (gallery.Gallery, error) {
		fmt.Fprintf(os.Stderr, "🗂️  No cached gallery, enrolling from %s\n", Cfg.Gallery.Enrollment)
		g, _, err := enroll(ctx, o, Cfg.Gallery.Enrollment)
		return g, err
	}, logger())
	if err != nil {
		return nil, err
	}
	if !rebuilt {
		fmt.Fprintf(os.Stderr, "🗂️  Loaded gallery: %d identities, %d references\n", len(g), g.References())
	}
	if err := g.Check(); errors.Is(err, gallery.ErrEmptyGallery) {
		fmt.Fprintln(os.Stderr, "⚠️  Gallery is empty: every face will be unknown")
	}
	return g, nil
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		GridSizes:  cfg.Pipeline.GridSizes,
		WholeImage: cfg.Pipeline.WholeImage,
		Engines:    cfg.Pipeline.Engines,
		Floor:      cfg.Pipeline.Floor,
	}
}

func newPipeline(o oracle.Oracle, g gallery.Gallery, opts pipeline.Options) (*pipeline.Pipeline, error) {
	mopts, err := Cfg.MatcherOptions()
	if err != nil {
		return nil, err
	}
	m, err := matcher.New(g, mopts)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "⚙️  Matching by %s (threshold %.2f, %s references)\n", mopts.Policy.Mode, mopts.Policy.Threshold, mopts.References)
	return pipeline.New(o, m, opts, logger())
}

// newNotifier wires the roster and SMTP settings into a notifier.
func newNotifier(cfg config.SMTPConfig) (*notify.Notifier, error) {
	if !cfg.Enabled() {
		return nil, errors.New("email notifications need smtp.host and smtp.roster")
	}
	roster, err := notify.LoadRoster(cfg.Roster)
	if err != nil {
		return nil, err
	}
	sender := &notify.SMTPSender{Host: cfg.Host, Port: cfg.Port, Username: cfg.Username, Password: cfg.Password}
	return notify.New(roster, sender, cfg.From, logger()), nil
}
