package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"odin-fanout-proxy/internal/acceptor"
	"odin-fanout-proxy/internal/aggregator"
	"odin-fanout-proxy/internal/assets"
	"odin-fanout-proxy/internal/config"
	"odin-fanout-proxy/internal/logging"
	"odin-fanout-proxy/internal/metrics"
	"odin-fanout-proxy/internal/registry"
	"odin-fanout-proxy/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg)

	assetTable, err := cfg.AssetTable()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid asset table")
	}
	assetRegistry := assets.New(assetTable)

	rateConfig, err := cfg.RateConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rate config")
	}
	rateRules := make(map[string]aggregator.Rule, len(rateConfig))
	for class, rule := range rateConfig {
		rateRules[class] = aggregator.Rule{
			Interval: time.Duration(rule.IntervalMS) * time.Millisecond,
			Max:      rule.Max,
		}
	}

	metricsRegistry := metrics.NewRegistry()
	sessReg := registry.New()

	acc := acceptor.New(acceptor.Config{
		ListenAddr:    cfg.ListenAddr,
		ConnRateBurst: cfg.ConnRateBurst,
		ConnRatePerS:  cfg.ConnRatePerS,
		Mediator: session.Config{
			UpstreamURL:         cfg.UpstreamURL,
			ReconnectAttempts:   cfg.ReconnectAttempts,
			ReconnectDelay:      cfg.ReconnectDelay,
			UpstreamPingPeriod:  cfg.UpstreamPingPeriod,
			DownstreamHeartbeat: cfg.DownstreamHeartbeat,
			OrderCorrelationTTL: cfg.OrderCorrelationTTL,
			DefaultAssetName:    cfg.DefaultAsset,
			RateRules:           rateRules,
		},
	}, assetRegistry, metricsRegistry, sessReg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := acc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("acceptor start failed")
	}

	samplerStop := make(chan struct{})
	go metricsRegistry.StartProcessSampler(samplerStop, 10*time.Second)

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, sessReg, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server error")
		}
		stop()
	}

	close(samplerStop)
	liveSessions := sessReg.Count()
	acc.Stop()
	logger.Info().Int("sessions", liveSessions).Msg("acceptor stopped")
}

func runHTTPServer(ctx context.Context, cfg config.Config, sessReg *registry.Sessions, metricsRegistry *metrics.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"sessions":  sessReg.Count(),
		})
	})

	mux.Handle("/metrics", metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics http server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics http server shutdown error")
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
