package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var invalidateYes bool

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Inspect or clear the cached gallery",
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities in the cached gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		g, err := Cache.Load(cmd.Context())
		if errors.Is(err, gallery.ErrCacheUnavailable) {
			fmt.Fprintln(cmd.OutOrStdout(), "No gallery cached. Run `rollcall enroll` first.")
			return nil
		}
		if err != nil {
			utils.ShowError("Failed to load the gallery", err, nil)
			return err
		}
		if len(g) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "The cached gallery is empty.")
			return nil
		}
		printGallery(cmd.OutOrStdout(), g)
		return nil
	},
}

var galleryInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Delete the cached gallery so the next run re-enrolls",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !invalidateYes && !confirm(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout(),
			fmt.Sprintf("⚠️  Are you sure you want to delete the %s gallery cache?", Cfg.Gallery.Backend)) {
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "🗑️  Clearing gallery cache...")
		if err := Cache.Invalidate(cmd.Context()); err != nil {
			utils.ShowError("Failed to invalidate the gallery", err, nil)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✨ Gallery cache cleared.")
		return nil
	},
}

func init() {
	galleryInvalidateCmd.Flags().BoolVarP(&invalidateYes, "yes", "y", false, "Do not ask for confirmation")
	galleryCmd.AddCommand(galleryListCmd, galleryInvalidateCmd)
	rootCmd.AddCommand(galleryCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
