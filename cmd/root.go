package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds the persistent flags shared by every command
type Options struct {
	ConfigPath  string
	Backend     string
	GalleryPath string
	DatabaseURL string
	RedisURL    string
	Verbose     bool
}

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// Cache is the gallery cache shared by subcommands
	Cache *store.Store

	rootOpts Options
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Tiled face-recognition attendance from classroom photos",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env file is optional, don't fail if not found
		_ = godotenv.Load()

		var err error
		Cfg, err = config.Load(rootOpts.ConfigPath)
		if err != nil {
			return err
		}
		applyRootFlags(cmd, Cfg)
		if err := applyCommandFlags(cmd, Cfg); err != nil {
			return err
		}
		if err := Cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// Use the command's context (which will be cancellable) for the connection
		Cache, err = store.Open(cmd.Context(), Cfg.StoreOptions())
		if err != nil {
			return fmt.Errorf("failed to open gallery cache: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Cache != nil {
			Cache.Close()
			Cache = nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootOpts.ConfigPath, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&rootOpts.Backend, "backend", "", "Gallery cache backend: file, bolt, redis or postgres")
	pf.StringVar(&rootOpts.GalleryPath, "gallery", "", "Gallery cache path (file and bolt backends)")
	pf.StringVar(&rootOpts.DatabaseURL, "db", "", "PostgreSQL connection string (postgres backend)")
	pf.StringVar(&rootOpts.RedisURL, "redis", "", "Redis URL (redis backend)")
	pf.BoolVarP(&rootOpts.Verbose, "verbose", "v", false, "Log per-image and per-tile details to stderr")
}

// applyRootFlags overlays explicitly set persistent flags on cfg.
func applyRootFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Gallery.Backend = rootOpts.Backend
	}
	if flags.Changed("gallery") {
		cfg.Gallery.Path = rootOpts.GalleryPath
	}
	if flags.Changed("db") {
		cfg.Gallery.DatabaseURL = rootOpts.DatabaseURL
	}
	if flags.Changed("redis") {
		cfg.Gallery.RedisURL = rootOpts.RedisURL
	}
}

// commandFlagHooks lets subcommands overlay their own flags before validation.
var commandFlagHooks = map[*cobra.Command]func(*cobra.Command, *config.Config) error{}

func applyCommandFlags(cmd *cobra.Command, cfg *config.Config) error {
	if hook, ok := commandFlagHooks[cmd]; ok {
		return hook(cmd, cfg)
	}
	return nil
}

// logger returns the library logger: stderr when --verbose, otherwise silent.
func logger() *log.Logger {
	if rootOpts.Verbose {
		return log.New(os.Stderr, "", log.Ltime)
	}
	return log.New(io.Discard, "", 0)
}
