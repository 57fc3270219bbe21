package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/web"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	pipelineFlags
	Host string
	Port int
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the attendance API over HTTP",
	Long: `Starts an HTTP server exposing POST /api/v1/attendance (multipart images,
name and subject_name) and GET /api/v1/health. When smtp.host and smtp.roster are
configured, every request also emails the contacts of the students present.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	addPipelineFlags(serveCmd, &serveOpts.pipelineFlags)
	serveCmd.Flags().StringVar(&serveOpts.Host, "host", "0.0.0.0", "Interface to listen on")
	serveCmd.Flags().IntVarP(&serveOpts.Port, "port", "p", 8080, "Port to listen on")
	commandFlagHooks[serveCmd] = func(cmd *cobra.Command, cfg *config.Config) error {
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveOpts.Host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serveOpts.Port
		}
		return serveOpts.apply(cmd, cfg)
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
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
	p, err := newPipeline(o, g, pipelineOptions(Cfg))
	if err != nil {
		return err
	}

	var notifier web.Notifier
	if Cfg.SMTP.Enabled() {
		n, err := newNotifier(Cfg.SMTP)
		if err != nil {
			utils.ShowError("Failed to load the roster", err, nil)
			return err
		}
		notifier = n
		fmt.Fprintf(os.Stderr, "📧 Notifications enabled via %s\n", Cfg.SMTP.Host)
	}

	srv := web.NewServer(p, notifier, web.Options{
		Host:      Cfg.Server.Host,
		Port:      Cfg.Server.Port,
		MaxImages: Cfg.Server.MaxImages,
		Logger:    log.New(os.Stderr, "", log.LstdFlags),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
