package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/schediq/internal/config"
	"github.com/agentworkforce/schediq/internal/fetch"
	"github.com/agentworkforce/schediq/internal/mirror"
	"github.com/agentworkforce/schediq/internal/syncstore"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	baseURL    string
	token      string
	mirrorDSN  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "schediq",
		Short:         "Keep a local, consistent snapshot of team planning data",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ./schediq.yaml or SCHEDIQ_CONFIG)")
	flags.StringVar(&opts.baseURL, "base-url", "", "planning API base URL")
	flags.StringVar(&opts.token, "token", "", "bearer token")
	flags.StringVar(&opts.mirrorDSN, "mirror", "", "mirror DSN (file://dir, memory://, sqlite:///path, postgres://..., s3://bucket/prefix)")

	root.AddCommand(
		syncCmd(opts),
		serveCmd(opts),
		showCmd(opts),
		analyzeCmd(opts),
		commitCmd(opts),
		statusCmd(opts),
		clearCmd(opts),
	)
	return root
}

// app is the wiring shared by every command.
type app struct {
	cfg         config.Config
	registry    *prometheus.Registry
	coordinator *fetch.Coordinator
	mirror      *mirror.Mirror
	store       *syncstore.Store
}

func openApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	logger := log.Default()
	cfg, err := config.Load(opts.configPath, logger)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = opts.baseURL
	}
	if flags.Changed("token") {
		cfg.Token = opts.token
	}
	if flags.Changed("mirror") {
		cfg.MirrorDSN = opts.mirrorDSN
	}

	backend, err := mirror.BuildBackendFromDSN(cfg.MirrorDSN)
	if err != nil {
		return nil, fmt.Errorf("mirror %q: %w", cfg.MirrorDSN, err)
	}
	m := mirror.New(backend, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coordinator := fetch.NewCoordinator(fetch.Options{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Retry:      fetch.RetryPolicy{MaxAttempts: cfg.RetryAttempts, Delay: cfg.RetryDelay},
		Registerer: registry,
		Logger:     logger,
	})
	store, err := syncstore.New(cmd.Context(), syncstore.Options{
		Fetcher: coordinator,
		Mirror:  m,
		Logger:  logger,
	})
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return &app{cfg: cfg, registry: registry, coordinator: coordinator, mirror: m, store: store}, nil
}

func (a *app) Close() error {
	return a.mirror.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
