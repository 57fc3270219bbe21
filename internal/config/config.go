// Package config loads rollcall settings from defaults, an optional YAML file
// and the environment. Command-line flags are applied on top by cmd.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/tiler"
	"github.com/andresmejia3/rollcall/internal/worker"
	"gopkg.in/yaml.v3"
)

// Oracle kinds.
const (
	OracleWorker = "worker"
	OracleHTTP   = "http"
)

type Config struct {
	Gallery  GalleryConfig  `yaml:"gallery"`
	Match    MatchConfig    `yaml:"match"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Oracle   OracleConfig   `yaml:"oracle"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Server   ServerConfig   `yaml:"server"`
}

type GalleryConfig struct {
	Enrollment  string `yaml:"enrollment"` // CSV of name,path1,path2,...
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"` // file and bolt backends
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	RedisKey    string `yaml:"redis_key"`
	References  string `yaml:"references"` // centroid or best-of
}

type MatchConfig struct {
	Mode string `yaml:"mode"`
	// Threshold is nil until set; unset selects the default for Mode.
	Threshold  *float64 `yaml:"threshold"`
	ANN        bool    `yaml:"ann"`
	Candidates int     `yaml:"candidates"`
}

type PipelineConfig struct {
	GridSizes  []int   `yaml:"grid_sizes"`
	WholeImage bool    `yaml:"whole_image"`
	Engines    int     `yaml:"engines"`
	Floor      float64 `yaml:"floor"`
}

type OracleConfig struct {
	Kind    string        `yaml:"kind"`
	Command []string      `yaml:"command"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	Roster   string `yaml:"roster"` // CSV of name,uin,email
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.Roster != ""
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	MaxImages int    `yaml:"max_images"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gallery: GalleryConfig{
			Enrollment: "enrollment.csv",
			Backend:    store.BackendFile,
			Path:       "gallery.cache",
			RedisKey:   store.DefaultRedisKey,
			References: matcher.RefCentroid.String(),
		},
		Match: MatchConfig{
			Mode: matcher.ModeDistance.String(),
		},
		Pipeline: PipelineConfig{
			GridSizes:  append([]int(nil), tiler.DefaultGridSizes...),
			WholeImage: true,
			Engines:    1,
		},
		Oracle: OracleConfig{
			Kind:    OracleWorker,
			Command: append([]string(nil), worker.DefaultCommand...),
			URL:     "http://localhost:8000",
			Timeout: 60 * time.Second,
		},
		SMTP: SMTPConfig{
			Host: "smtp.gmail.com",
			Port: 587,
		},
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			MaxImages: 6,
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults and then
// applies environment overrides. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("ROLLCALL_ENROLLMENT", &c.Gallery.Enrollment)
	envString("ROLLCALL_GALLERY_BACKEND", &c.Gallery.Backend)
	envString("ROLLCALL_GALLERY_PATH", &c.Gallery.Path)
	envString("ROLLCALL_REFERENCES", &c.Gallery.References)
	envString("REDIS_URL", &c.Gallery.RedisURL)
	envString("ROLLCALL_REDIS_KEY", &c.Gallery.RedisKey)
	envString("DATABASE_URL", &c.Gallery.DatabaseURL)

	// Build the connection string from the discrete variables used by the
	// compose setup when no URL is given.
	if c.Gallery.DatabaseURL == "" {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			port := os.Getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			c.Gallery.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
		}
	}

	envString("ROLLCALL_MATCH_MODE", &c.Match.Mode)
	if err := envFloatPtr("ROLLCALL_MATCH_THRESHOLD", &c.Match.Threshold); err != nil {
		return err
	}
	if err := envBool("ROLLCALL_MATCH_ANN", &c.Match.ANN); err != nil {
		return err
	}

	if s := os.Getenv("ROLLCALL_GRID_SIZES"); s != "" {
		sizes, err := ParseGridSizes(s)
		if err != nil {
			return fmt.Errorf("ROLLCALL_GRID_SIZES: %w", err)
		}
		c.Pipeline.GridSizes = sizes
	}
	if err := envBool("ROLLCALL_WHOLE_IMAGE", &c.Pipeline.WholeImage); err != nil {
		return err
	}
	if err := envInt("ROLLCALL_ENGINES", &c.Pipeline.Engines); err != nil {
		return err
	}
	if err := envFloat("ROLLCALL_FLOOR", &c.Pipeline.Floor); err != nil {
		return err
	}

	envString("ROLLCALL_ORACLE", &c.Oracle.Kind)
	if s := os.Getenv("ROLLCALL_ORACLE_COMMAND"); s != "" {
		c.Oracle.Command = strings.Fields(s)
	}
	envString("EMBEDDING_URL", &c.Oracle.URL)
	if s := os.Getenv("ROLLCALL_ORACLE_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("ROLLCALL_ORACLE_TIMEOUT: %w", err)
		}
		c.Oracle.Timeout = d
	}

	envString("SMTP_HOST", &c.SMTP.Host)
	if err := envInt("SMTP_PORT", &c.SMTP.Port); err != nil {
		return err
	}
	envString("SMTP_USERNAME", &c.SMTP.Username)
	envString("SMTP_PASSWORD", &c.SMTP.Password)
	envString("SMTP_FROM", &c.SMTP.From)
	envString("ROLLCALL_ROSTER", &c.SMTP.Roster)
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.Username
	}

	envString("ROLLCALL_HOST", &c.Server.Host)
	return envInt("ROLLCALL_PORT", &c.Server.Port)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(store.Backends, c.Gallery.Backend) {
		errs = append(errs, fmt.Errorf("gallery.backend: unknown backend %q (want one of %s)",
			c.Gallery.Backend, strings.Join(store.Backends, ", ")))
	}
	if _, err := matcher.ParseReferences(c.Gallery.References); err != nil {
		errs = append(errs, fmt.Errorf("gallery.references: %w", err))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, fmt.Errorf("match: %w", err))
	}

	for _, g := range c.Pipeline.GridSizes {
		if g < 1 {
			errs = append(errs, fmt.Errorf("pipeline.grid_sizes: %w, got %d", tiler.ErrInvalidGrid, g))
		}
	}
	if len(c.Pipeline.GridSizes) == 0 && !c.Pipeline.WholeImage {
		errs = append(errs, errors.New("pipeline: no grid sizes and whole_image disabled"))
	}
	if c.Pipeline.Engines < 1 {
		errs = append(errs, fmt.Errorf("pipeline.engines must be >= 1, got %d", c.Pipeline.Engines))
	}
	if c.Pipeline.Floor < 0 || c.Pipeline.Floor > 100 {
		errs = append(errs, fmt.Errorf("pipeline.floor must be a percentage, got %v", c.Pipeline.Floor))
	}

	switch c.Oracle.Kind {
	case OracleWorker:
		if len(c.Oracle.Command) == 0 {
			errs = append(errs, errors.New("oracle.command is empty"))
		}
	case OracleHTTP:
		if c.Oracle.URL == "" {
			errs = append(errs, errors.New("oracle.url is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("oracle.kind: unknown oracle %q (want worker or http)", c.Oracle.Kind))
	}

	if c.Server.MaxImages < 1 {
		errs = append(errs, fmt.Errorf("server.max_images must be >= 1, got %d", c.Server.MaxImages))
	}
	return errors.Join(errs...)
}

// Policy resolves the match section into a matcher policy, filling in the
// mode's default threshold when none is set.
func (c *Config) Policy() (matcher.Policy, error) {
	mode, err := matcher.ParseMode(c.Match.Mode)
	if err != nil {
		return matcher.Policy{}, err
	}
	p := matcher.DefaultPolicy(mode)
	if c.Match.Threshold != nil {
		p.Threshold = *c.Match.Threshold
	}
	return p, p.Validate()
}

// MatcherOptions resolves the match and gallery sections into matcher options.
func (c *Config) MatcherOptions() (matcher.Options, error) {
	p, err := c.Policy()
	if err != nil {
		return matcher.Options{}, err
	}
	refs, err := matcher.ParseReferences(c.Gallery.References)
	if err != nil {
		return matcher.Options{}, err
	}
	return matcher.Options{
		Policy:          p,
		References:      refs,
		Index:           c.Match.ANN,
		IndexCandidates: c.Match.Candidates,
	}, nil
}

// StoreOptions returns the gallery cache backend settings.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:     c.Gallery.Backend,
		Path:        c.Gallery.Path,
		RedisURL:    c.Gallery.RedisURL,
		RedisKey:    c.Gallery.RedisKey,
		DatabaseURL: c.Gallery.DatabaseURL,
	}
}

// ParseGridSizes parses a comma-separated list such as "3,4".
func ParseGridSizes(s string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid grid size %q", part)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// envFloatPtr is envFloat for optional values: a set variable, even "0",
// always yields a non-nil pointer.
func envFloatPtr(key string, dst **float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = &f
	return nil
}

func envFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
