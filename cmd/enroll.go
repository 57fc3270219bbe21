package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var enrollEngines int

var enrollCmd = &cobra.Command{
	Use:   "enroll [enrollment.csv]",
	Short: "Build the gallery from an enrollment CSV and cache it",
	Long: `Reads a CSV with a header row and one person per row (name, image1, image2, ...),
embeds the first face of every reference image and replaces the cached gallery.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	enrollCmd.Flags().IntVarP(&enrollEngines, "engines", "e", 1, "Number of oracle workers to spawn")
	commandFlagHooks[enrollCmd] = func(cmd *cobra.Command, cfg *config.Config) error {
		if args := cmd.Flags().Args(); len(args) == 1 {
			cfg.Gallery.Enrollment = args[0]
		}
		return nil
	}
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, out io.Writer) error {
	o, release, err := newOracle(Cfg, enrollEngines)
	if err != nil {
		utils.ShowError("Failed to start the embedding oracle", err, nil)
		return err
	}
	defer release()

	fmt.Fprintf(os.Stderr, "🧑‍🎓 Enrolling from %s\n", Cfg.Gallery.Enrollment)
	g, skips, err := enroll(ctx, o, Cfg.Gallery.Enrollment)
	if err != nil {
		utils.ShowError("Enrollment failed", err, nil)
		return err
	}
	if err := g.Check(); err != nil {
		utils.ShowError("No identities could be enrolled", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🗄️  Saving gallery...")
	if err := Cache.Save(ctx, g); err != nil {
		utils.ShowError("Failed to save the gallery", err, nil)
		return err
	}

	printGallery(out, g)
	fmt.Fprintf(os.Stderr, "✨ Enrolled %d identities (%d reference images skipped) into the %s cache.\n",
		len(g), len(skips), Cfg.Gallery.Backend)
	return nil
}

func printGallery(w io.Writer, g gallery.Gallery) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tREFERENCES\tDIM")
	fmt.Fprintln(tw, "----\t----------\t---")
	for _, name := range g.Names() {
		id := g[name]
		dim := 0
		if len(id.Embeddings) > 0 {
			dim = id.Embeddings[0].Dim()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", name, len(id.Embeddings), dim)
	}
	tw.Flush()
}
