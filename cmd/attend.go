package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

type attendOptions struct {
	pipelineFlags
	ReportPath string
	JSON       bool
	Notify     bool
	Subject    string
}

var attendOpts attendOptions

var attendCmd = &cobra.Command{
	Use:   "attend <dir|image>...",
	Short: "Take attendance from a batch of classroom photos",
	Long: `Tiles every photo, embeds each tile with the oracle, matches the faces
against the enrolled gallery and reports who was present with a mean confidence.
Directories are expanded to the images directly inside them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAttend(cmd.Context(), cmd.OutOrStdout(), args, attendOpts)
	},
}

func init() {
	addPipelineFlags(attendCmd, &attendOpts.pipelineFlags)
	attendCmd.Flags().StringVarP(&attendOpts.ReportPath, "report", "o", "", "Write the verdict as CSV to this path")
	attendCmd.Flags().BoolVar(&attendOpts.JSON, "json", false, "Print the full report as JSON instead of a table")
	attendCmd.Flags().BoolVar(&attendOpts.Notify, "notify", false, "Email the roster contact of everyone present")
	attendCmd.Flags().StringVarP(&attendOpts.Subject, "subject", "s", "", "Subject name used in notification emails")

	commandFlagHooks[attendCmd] = func(cmd *cobra.Command, cfg *config.Config) error {
		if attendOpts.Notify && attendOpts.Subject == "" {
			return errors.New("--notify requires --subject")
		}
		return attendOpts.apply(cmd, cfg)
	}
	rootCmd.AddCommand(attendCmd)
}

// runAttend orchestrates a roll call: oracle startup, gallery, the pipeline run and reporting.
func runAttend(ctx context.Context, out io.Writer, inputs []string, opts attendOptions) error {
	paths, err := collectImages(inputs)
	if err != nil {
		utils.ShowError("Unable to read input", err, nil)
		return err
	}
	if len(paths) == 0 {
		return errors.New("no images found in the given inputs")
	}
	fmt.Fprintf(os.Stderr, "📷 Taking roll call over %d image(s)\n", len(paths))

	o, release, err := newOracle(Cfg, Cfg.Pipeline.Engines)
	if err != nil {
		utils.ShowError("Failed to start the embedding oracle", err, nil)
		return err
	}
	defer release()

	g, err := loadGallery(ctx, o)
	if err != nil {
		utils.ShowError("Failed to load the gallery", err, nil)
		return err
	}

	bar := utils.NewProgressBar(len(paths), "🔍 Recognizing")
	popts := pipelineOptions(Cfg)
	popts.Progress = func(done, total int) { bar.Add(1) }
	p, err := newPipeline(o, g, popts)
	if err != nil {
		return err
	}

	report, runErr := p.Run(ctx, paths)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if report == nil {
		return runErr
	}
	if report.Cancelled {
		fmt.Fprintf(os.Stderr, "🛑 Interrupted: reporting the %d image(s) processed so far\n", report.Processed)
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printVerdict(out, report)
	}
	printSkipped(os.Stderr, report)

	if opts.ReportPath != "" {
		if err := writeReportFile(opts.ReportPath, report); err != nil {
			utils.ShowError("Failed to write report", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "📝 Report written to %s\n", opts.ReportPath)
	}

	if opts.Notify && runErr == nil {
		n, err := newNotifier(Cfg.SMTP)
		if err != nil {
			utils.ShowError("Notifications disabled", err, nil)
		} else {
			res, err := n.Notify(ctx, report.Verdict, opts.Subject, report.StartedAt)
			if err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Notifications interrupted: %v\n", err)
			}
			fmt.Fprintf(os.Stderr, "📧 %d email(s) sent, %d skipped\n", len(res.Sent), len(res.Skipped))
			for _, s := range res.Skipped {
				fmt.Fprintf(os.Stderr, "   %s: %s\n", s.Name, s.Reason)
			}
		}
	}

	fmt.Fprintf(os.Stderr, "🏁 Roll Call Complete. %s\n", report.Summary())
	return runErr
}

// collectImages expands directories and checks that plain files exist.
func collectImages(inputs []string) ([]string, error) {
	var paths []string
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, in)
			continue
		}
		found, err := pipeline.ListImages(in)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	return paths, nil
}

func printVerdict(w io.Writer, report *pipeline.Report) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 ATTENDANCE\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	if len(report.Verdict) == 0 {
		fmt.Fprintln(w, "❌ Nobody recognized.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCONFIDENCE\tIMAGES")
		fmt.Fprintln(tw, "----\t----------\t------")
		for _, name := range report.Verdict.Names() {
			a := report.Verdict[name]
			fmt.Fprintf(tw, "%s\t%.2f%%\t%d\n", name, a.Confidence, a.Samples)
		}
		tw.Flush()
	}

	if len(report.Rejected) > 0 {
		fmt.Fprintln(w, "\nSeen but below the confidence floor:")
		for _, name := range report.Rejected.Names() {
			fmt.Fprintf(w, "   %s (%.2f%%)\n", name, report.Rejected[name].Confidence)
		}
	}
}

func printSkipped(w io.Writer, report *pipeline.Report) {
	if len(report.Skipped) == 0 {
		return
	}
	fmt.Fprintf(w, "\n⚠️  %d image(s) or tile(s) skipped:\n", len(report.Skipped))
	for _, s := range report.Skipped {
		where := s.Source
		if s.Tile != "" {
			where += " [" + s.Tile + "]"
		}
		fmt.Fprintf(w, "   %s: %s: %v\n", where, s.Reason, s.Err)
	}
}

func writeReportFile(path string, report *pipeline.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
