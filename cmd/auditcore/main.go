// Package main is the entry point for the audit correlation engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"auditcore/internal/alerting"
	"auditcore/internal/api"
	"auditcore/internal/compliance"
	"auditcore/internal/config"
	"auditcore/internal/correlation"
	"auditcore/internal/detection"
	"auditcore/internal/eventstore"
	"auditcore/internal/eventstore/s3"
	"auditcore/internal/ingest"
	"auditcore/internal/kafka"
	"auditcore/internal/logging"
	"auditcore/internal/metrics"
	"auditcore/internal/pipeline"
	"auditcore/internal/remediation"
	"auditcore/internal/reports"
	"auditcore/internal/retention"
	"auditcore/internal/risk"
	"auditcore/internal/rules"
	"auditcore/internal/schema"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_backend", cfg.Storage.Backend,
		"cache_backend", cfg.Risk.CacheBackend,
		"kafka_enabled", cfg.Kafka.Enabled,
		"auth_enabled", cfg.Auth.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()
	validator := schema.NewValidatorWithConfig(cfg.ValidatorConfig())

	// The memory store is the hot path; ClickHouse mirrors appends for
	// durable analytics when enabled.
	memStore := eventstore.NewMemoryStore()
	var store eventstore.Store = memStore
	var quarantine ingest.Quarantiner = &logQuarantine{logger: logger}

	var chClient *eventstore.ClickHouseClient
	var batchWriter *eventstore.BatchWriter
	if cfg.Storage.Backend == "clickhouse" {
		chClient, err = eventstore.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("clickhouse connection failed", "error", err)
			os.Exit(1)
		}
		if err := chClient.EnsureDatabase(ctx); err != nil {
			slog.Error("clickhouse database setup failed", "error", err)
			os.Exit(1)
		}
		batchWriter = eventstore.NewBatchWriter(eventstore.NewClientInserter(chClient), cfg.Storage.BatchWriter)
		store = &mirroredStore{Store: memStore, writer: batchWriter, logger: logger}
		quarantine = eventstore.NewQuarantineWriter(chClient)
		slog.Info("clickhouse storage initialized", "hosts", cfg.Storage.ClickHouse.Hosts)
	}

	engine := rules.NewEngine(cfg.Engine, logger)
	if err := loadRuleFiles(engine, cfg.Rules.Paths); err != nil {
		slog.Error("rule loading failed", "error", err)
		os.Exit(1)
	}
	slog.Info("rules loaded", "count", len(engine.ListRules()))

	detections := detection.NewStore()
	correlator := correlation.NewCorrelator(cfg.Correlation, logger)

	var cache risk.Cache = risk.NewMemoryCache()
	if cfg.Risk.CacheBackend == "redis" {
		redisCache, err := risk.NewRedisCache(cfg.Risk.Redis)
		if err != nil {
			slog.Error("redis cache connection failed", "error", err)
			os.Exit(1)
		}
		cache = redisCache
	}
	scorer := risk.NewScorer(cfg.Risk.Scorer, cache, logger)

	mapper := compliance.NewMapper(compliance.DefaultConfig(), logger)
	tracker := remediation.NewTracker(mapper, logger)

	var channels []alerting.Channel
	if cfg.Alerting.Log {
		channels = append(channels, alerting.NewLogChannel(logger))
	}
	for _, w := range cfg.Alerting.Webhooks {
		channels = append(channels, alerting.NewWebhookChannel(w.Name, w.URL, w.Headers))
	}
	dispatcher := alerting.NewDispatcher(cfg.Dispatcher, channels, logger)

	pipe, err := pipeline.New(cfg.Pipeline, engine, detections, correlator,
		scorer, mapper, dispatcher, reg, logger)
	if err != nil {
		slog.Error("pipeline setup failed", "error", err)
		os.Exit(1)
	}
	pipe.Start(ctx)

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafka.NewConsumer(cfg.Kafka.Consumer, func(ctx context.Context, event *schema.AuditEvent) error {
			if err := validator.Validate(event); err != nil {
				return err
			}
			cfg.Retention.Policies.Resolve(event)
			result, err := store.Append(ctx, event)
			if err != nil {
				return err
			}
			if result.Deduplicated {
				return nil
			}
			return pipe.Submit(result.Event)
		}, logger)
		if err != nil {
			slog.Error("kafka consumer setup failed", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(); err != nil {
			slog.Error("kafka consumer start failed", "error", err)
			os.Exit(1)
		}
		slog.Info("kafka consumer started", "brokers", cfg.Kafka.Consumer.Brokers,
			"topic", cfg.Kafka.Consumer.Topic)
	}

	if cfg.Storage.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, cfg.Storage.Archive.S3, logger)
		if err != nil {
			slog.Error("archive client setup failed", "error", err)
			os.Exit(1)
		}
		archiver := s3.NewArchiver(s3Client, s3.DefaultArchiverConfig(), logger)
		sweeper := retention.NewSweeper(store, archiver, cfg.Retention.Sweeper, logger)
		go sweeper.Run(ctx)
		slog.Info("retention sweeper started", "interval", cfg.Retention.Sweeper.Interval)
	}

	generator := reports.NewGenerator(store, detections, correlator, mapper, logger)
	if len(cfg.Reports.Schedules) > 0 {
		sinks := map[string]reports.Sink{
			"log":  reports.NewLogSink(logger),
			"file": reports.NewFileSink(cfg.Reports.OutputDir),
		}
		for _, w := range cfg.Reports.Webhooks {
			sinks[w.Name] = reports.NewWebhookSink(w.Name, w.URL, w.Headers)
		}
		scheduler := reports.NewScheduler(generator, sinks, logger)
		for _, entry := range cfg.Reports.Schedules {
			if err := scheduler.Add(entry); err != nil {
				slog.Error("report schedule rejected", "template_id", entry.TemplateID, "error", err)
				os.Exit(1)
			}
		}
		go scheduler.Run(ctx)
		slog.Info("report scheduler started", "schedules", len(cfg.Reports.Schedules))
	}

	ingestHandler := ingest.NewHandler(cfg.Ingest, validator, store,
		cfg.Retention.Policies, pipe, quarantine, reg, logger)
	apiServer := api.NewServer(store, engine, detections, correlator, scorer,
		mapper, tracker, generator, cfg.Retention.Policies, reg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", ingestHandler.HandleSubmit)
	mux.HandleFunc("GET /health", ingestHandler.HandleHealth)
	apiServer.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(mux, cfg.Auth, cfg.RateLimit, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}
	pipe.Stop()
	dispatcher.Stop()
	cancel()

	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	memStore.Close()

	slog.Info("shutdown complete", "queue", pipe.QueueMetrics())
}

// loadRuleFiles parses YAML rule definitions from files or directories and
// registers them with the engine.
func loadRuleFiles(engine *rules.Engine, paths []string) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("rules path %s: %w", path, err)
		}

		files := []string{path}
		if info.IsDir() {
			files = nil
			err := filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				ext := strings.ToLower(filepath.Ext(p))
				if !fi.IsDir() && (ext == ".yaml" || ext == ".yml") {
					files = append(files, p)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("walking rules dir %s: %w", path, err)
			}
		}

		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", f, err)
			}
			parsed, err := rules.ParseRules(data)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", f, err)
			}
			for _, r := range parsed {
				if err := engine.UpsertRule(r); err != nil {
					return fmt.Errorf("rule %s in %s: %w", r.ID, f, err)
				}
			}
		}
	}
	return nil
}

// mirroredStore appends to the in-memory store and mirrors accepted events
// into the ClickHouse batch writer. Reads are served from memory.
type mirroredStore struct {
	eventstore.Store
	writer *eventstore.BatchWriter
	logger *slog.Logger
}

func (m *mirroredStore) Append(ctx context.Context, event *schema.AuditEvent) (eventstore.AppendResult, error) {
	result, err := m.Store.Append(ctx, event)
	if err != nil || result.Deduplicated {
		return result, err
	}
	if werr := m.writer.Write(result.Event); werr != nil {
		m.logger.Error("clickhouse mirror write failed", "event_id", result.Event.EventID, "error", werr)
	}
	return result, nil
}

// logQuarantine records quarantined events in the log when no ClickHouse
// quarantine table is available.
type logQuarantine struct {
	logger *slog.Logger
}

func (q *logQuarantine) Write(ctx context.Context, entry *eventstore.QuarantineEntry) error {
	q.logger.Warn("event quarantined",
		"error_code", entry.ErrorCode,
		"failed_checks", entry.FailedChecks,
		"source_ip", entry.SourceIP,
	)
	return nil
}
