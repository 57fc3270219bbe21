package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/tiler"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var recognizeOpts pipelineFlags

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image_path>",
	Short: "List every face in one image with its best gallery match",
	Long: `Runs a single image through the oracle and matches every detected face on its
own, without aggregation. Only the whole image is used unless --grid is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRecognize(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	addPipelineFlags(recognizeCmd, &recognizeOpts)
	commandFlagHooks[recognizeCmd] = func(cmd *cobra.Command, cfg *config.Config) error {
		if !cmd.Flags().Changed("grid") {
			cfg.Pipeline.GridSizes = nil
			cfg.Pipeline.WholeImage = true
		}
		return recognizeOpts.apply(cmd, cfg)
	}
	rootCmd.AddCommand(recognizeCmd)
}

func runRecognize(ctx context.Context, out io.Writer, imagePath string) error {
	img, err := tiler.Load(imagePath)
	if err != nil {
		utils.ShowError("Unable to read input image", err, nil)
		return err
	}

	o, release, err := newOracle(Cfg, 1)
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
	p, err := newPipeline(o, g, pipelineOptions(Cfg))
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	results, err := p.Recognize(ctx, img)
	if err != nil {
		// Partial results are still worth printing.
		fmt.Fprintf(os.Stderr, "⚠️  Some tiles failed: %v\n", err)
	}
	printFaces(out, results)
	return nil
}

func printFaces(w io.Writer, results []types.MatchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "❌ No faces detected in the provided image.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FACE\tTILE\tREGION\tMATCH\tCONFIDENCE")
	fmt.Fprintln(tw, "----\t----\t------\t-----\t----------")
	for i, r := range results {
		name := r.Identity
		if !r.Matched {
			name = "unknown"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2f%%\n", i+1, r.Tile, r.Region, name, r.Confidence)
	}
	tw.Flush()
}
