package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pebblemarket/core/app"
	"github.com/pebblemarket/core/appconfig"
	"github.com/pebblemarket/core/metrics"
)

func main() {
	var envFile string

	root := &cobra.Command{
		Use:   "pebble-server",
		Short: "Runs the Pebble trading core: matching, settlement, event processing, reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envFile)
		},
	}
	root.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading configuration")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.Init(cfg, nil)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("run app: %w", err)
	}

	go serveMetrics(application, cfg.MetricsPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	application.Logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	application.Shutdown(shutdownCtx)
	return nil
}

// serveMetrics exposes the Prometheus registry; a failure here is
// logged, not fatal, since the trading core runs fine without a
// scrape target attached.
func serveMetrics(a *app.App, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		a.Logger.Error("metrics server exited", "error", err)
	}
}
