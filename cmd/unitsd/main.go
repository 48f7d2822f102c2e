package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/wildfire-unit-service/internal/adapter/center"
	"github.com/couchcryptid/wildfire-unit-service/internal/adapter/dcapi"
	httpadapter "github.com/couchcryptid/wildfire-unit-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/wildfire-unit-service/internal/adapter/kafka"
	"github.com/couchcryptid/wildfire-unit-service/internal/config"
	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
	"github.com/couchcryptid/wildfire-unit-service/internal/observability"
	"github.com/couchcryptid/wildfire-unit-service/internal/output"
	"github.com/couchcryptid/wildfire-unit-service/internal/pipeline"
	"github.com/couchcryptid/wildfire-unit-service/internal/registry"
	"github.com/couchcryptid/wildfire-unit-service/internal/units"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	reg, err := registry.Open(cfg.RegistryPath, logger)
	if err != nil {
		logger.Error("failed to open registry", "error", err)
		os.Exit(1)
	}

	engine, err := units.New(context.Background(), reg, units.Config{
		NamespaceSize:        cfg.NamespaceSize,
		GracePeriod:          cfg.GracePeriod,
		Retention:            cfg.Retention,
		DeferInitial:         cfg.DeferBackoffInitial,
		DeferMax:             cfg.DeferBackoffMax,
		ExhaustionAlertAfter: cfg.ExhaustionAlertAfter,
	}, nil, logger)
	if err != nil {
		logger.Error("failed to start allocation engine", "error", err)
		os.Exit(1)
	}

	fetcher := center.NewClient(cfg.CenterAPIURL, cfg.CenterAPIKey, cfg.FetchTimeout, logger)
	normalizer := domain.NewNormalizer(cfg.MaxIncidentAge, nil)
	resolver := domain.NewResolver(cfg.GridResolution, cfg.ConflictWindow)
	structurer := output.NewStructurer(cfg.OutputDir, cfg.Agency, logger)

	// Dispatch and broadcast are feature-flagged via config.
	var dispatcher pipeline.Dispatcher
	if cfg.DispatchEnabled() {
		dispatcher = dcapi.NewClient(cfg.DCAPIURL, cfg.DCAPIKey, cfg.DCAPISecret,
			cfg.DCAPIRetries, cfg.DCAPIBackoff, nil, logger)
		logger.Info("dispatch enabled", "url", cfg.DCAPIURL)
	} else {
		logger.Info("dispatch disabled")
	}

	var broadcaster pipeline.Broadcaster
	var kafkaWriter *kafkaadapter.Writer
	if cfg.BroadcastEnabled() {
		kafkaWriter = kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaSinkTopic, logger)
		broadcaster = kafkaWriter
		logger.Info("kafka broadcast enabled", "topic", cfg.KafkaSinkTopic)
	} else {
		logger.Info("kafka broadcast disabled")
	}

	p := pipeline.New(fetcher, normalizer, resolver, engine, structurer,
		dispatcher, broadcaster, nil, logger, metrics, pipeline.Options{
			Centers:      cfg.CenterCodes,
			Agency:       cfg.Agency,
			Interval:     cfg.FetchInterval,
			FetchTimeout: cfg.FetchTimeout,
		})

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start ingestion pipeline.
	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if kafkaWriter != nil {
		if err := kafkaWriter.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := reg.Close(); err != nil {
		logger.Error("registry close error", "error", err)
	}

	logger.Info("shutdown complete")
}
