package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonystef/grov/internal/config"
	"github.com/tonystef/grov/internal/events"
	"github.com/tonystef/grov/internal/janitor"
	"github.com/tonystef/grov/internal/llmhelper"
	"github.com/tonystef/grov/internal/logging"
	"github.com/tonystef/grov/internal/proxy"
	"github.com/tonystef/grov/internal/store"
	"github.com/tonystef/grov/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy (also the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}

	storePath, err := cfg.StorePath()
	if err != nil {
		slog.Error("failed to resolve store path", "error", err)
		os.Exit(1)
	}
	db, err := store.Open(storePath)
	if err != nil {
		slog.Error("failed to open store", "path", storePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	debugLog, err := logging.OpenDebugLog(filepath.Dir(storePath), cfg.Debug)
	if err != nil {
		slog.Error("failed to open debug log", "error", err)
		os.Exit(1)
	}
	defer debugLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	if shutdownTracing != nil {
		defer shutdownTracing(context.Background())
	}

	// The helper key survives restarts via the per-user credential cache.
	if cfg.Helper.APIKey == "" {
		cfg.Helper.APIKey = config.LoadCredential()
	} else if err := config.SaveCredential(cfg.Helper.APIKey); err != nil {
		slog.Debug("credential cache write failed", "error", err)
	}

	helper := llmhelper.New(cfg.Helper.APIKey,
		llmhelper.WithModel(cfg.Helper.Model),
		llmhelper.WithBaseURL(cfg.Helper.BaseURL),
		llmhelper.WithRPS(cfg.Helper.RPS),
	)
	if !helper.Available() {
		slog.Warn("GROV_HELPER_API_KEY not set: task analysis and drift detection run on heuristics only")
	}

	hub := events.NewHub(cfg.Events.AllowedOrigins)

	go config.Watch(ctx, cfg, cfgPath)
	go janitor.New(db, cfg.Sessions.CleanupCron, cfg.Retention).Run(ctx)

	srv := proxy.NewServer(proxy.Options{
		Config:   cfg,
		Store:    db,
		Helper:   helper,
		Hub:      hub,
		DebugLog: debugLog,
		Tracer:   tracer,
	})
	if err := srv.Start(ctx); err != nil {
		slog.Error("proxy server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("grov stopped")
}
