package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicware/syncbridge/internal/httpapi"
	"github.com/clinicware/syncbridge/internal/syncbridge"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncbridge",
		Short:         "Bidirectional sync bridge between the on-premise clinic store and the cloud store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newCheckConfigCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", envOr("SYNCBRIDGE_CONFIG", "syncbridge.yaml"), "path to the YAML config file")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := syncbridge.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d tables, legacy=%s http=%s\n",
				len(cfg.Tables), cfg.Legacy.Path, cfg.HTTP.Addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", envOr("SYNCBRIDGE_CONFIG", "syncbridge.yaml"), "path to the YAML config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := syncbridge.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevelFromEnv(),
	}))
	slog.SetDefault(logger)

	engine, err := syncbridge.NewEngine(syncbridge.EngineOptions{
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := engine.Start(ctx)
	if err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	log.Printf("syncbridge started: %d tables reconciled, %d events synthesized, capture=%v",
		report.ReconciledTables, report.SynthesizedEvents, report.CaptureModes)

	api := httpapi.NewServer(engine, httpapi.ServerConfig{
		Token:           cfg.HTTP.Token,
		RateLimitMax:    intEnv("SYNCBRIDGE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("SYNCBRIDGE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("SYNCBRIDGE_MAX_BODY_BYTES", 0),
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("syncbridge listening on %s", cfg.HTTP.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = engine.Stop(context.Background())
		engine.Close()
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil && !errors.Is(err, syncbridge.ErrNotRunning) {
		log.Printf("engine stop: %v", err)
	}
	engine.Close()
	log.Printf("syncbridge stopped")
	return nil
}

func logLevelFromEnv() slog.Level {
	switch os.Getenv("SYNCBRIDGE_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
