// devstream ingests developer workstation event streams (coding-assistant
// sessions, git activity), runs them through the post-processing pipeline,
// and serves the resulting history over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devstream-project/devstream/pkg/aggregate"
	"github.com/devstream-project/devstream/pkg/api"
	"github.com/devstream-project/devstream/pkg/config"
	"github.com/devstream-project/devstream/pkg/database"
	"github.com/devstream-project/devstream/pkg/events"
	"github.com/devstream-project/devstream/pkg/identity"
	"github.com/devstream-project/devstream/pkg/ingest"
	"github.com/devstream-project/devstream/pkg/lifecycle"
	"github.com/devstream-project/devstream/pkg/objectstore"
	"github.com/devstream-project/devstream/pkg/pipeline"
	"github.com/devstream-project/devstream/pkg/stream"
	"github.com/devstream-project/devstream/pkg/summary"
	"github.com/devstream-project/devstream/pkg/timeline"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// stuckSessionScanInterval controls how often the recovery loop looks for
// sessions the pipeline queue dropped across a restart.
const stuckSessionScanInterval = time.Minute

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		logger.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	logger.Info("connected to postgres and applied migrations")

	objects, err := objectstore.NewClient(ctx, cfg.Object)
	if err != nil {
		logger.Error("failed to build object store client", "error", err)
		os.Exit(1)
	}

	streamClient := stream.NewClient(stream.Config{
		Addr:         cfg.Stream.Addr,
		Password:     cfg.Stream.Password,
		DB:           cfg.Stream.DB,
		StreamKey:    cfg.Stream.StreamKey,
		ConsumerGrp:  cfg.Stream.ConsumerGrp,
		ConsumerName: cfg.Stream.ConsumerName,
	})
	defer streamClient.Close()

	resolver := identity.NewResolver(dbClient.Pool())
	machine := lifecycle.NewMachine(dbClient.Pool())

	pipelineQueue := pipeline.NewQueue(cfg.Pipeline.MaxConcurrent, cfg.Pipeline.MaxDepth)
	pipelineQueue.Start(pipeline.Deps{
		Pool:      dbClient.Pool(),
		Lifecycle: machine,
		Objects:   objects,
		Summary:   summaryGenerator(cfg.Summary),
		Config:    cfg.Summary,
		Logger:    logger.With("component", "pipeline"),
	})
	defer pipelineQueue.Stop()

	registry := events.NewDefaultRegistry(events.HandlerDeps{
		Identity:   resolver,
		Lifecycle:  machine,
		Correlator: events.NewCorrelator(),
		Pipeline:   pipelineQueue,
	})
	consumer := events.NewConsumer(streamClient, dbClient.Pool(), resolver, registry, events.ConsumerConfig{
		ConsumerName:       cfg.Stream.ConsumerName,
		PollIntervalJitter: cfg.Queue.PollIntervalJitter,
		DeliveryRetryLimit: int64(cfg.Queue.DeliveryRetryLimit),
	})
	consumer.Start(ctx)
	defer consumer.Stop()

	go runStuckSessionRecovery(ctx, machine, pipelineQueue, cfg.Queue.StuckThreshold, logger)

	server := api.NewServer(api.Deps{
		Pool:      dbClient.Pool(),
		Stream:    streamClient,
		Ingestor:  ingest.NewIngestor(dbClient.Pool(), streamClient),
		Timeline:  timeline.NewAssembler(dbClient.Pool()),
		Aggregate: aggregate.NewService(dbClient.Pool(), machine, pipelineQueue),
		Queue:     pipelineQueue,
		APIKey:    cfg.HTTP.APISecret,
		GinMode:   getEnv("GIN_MODE", "release"),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.HTTP.Port)
		if err := server.Start(":" + cfg.HTTP.Port); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during http shutdown", "error", err)
	}
	consumer.Stop()
	pipelineQueue.Stop()
	logger.Info("shutdown complete")
}

// summaryGenerator builds the summary generator when enabled; pipeline
// steps treat a nil *summary.Generator as "summary disabled" the same as an
// explicit cfg.Summary.Enabled=false.
func summaryGenerator(cfg config.SummaryConfig) *summary.Generator {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil
	}
	return summary.NewGeneratorFromAPIKey(cfg.APIKey)
}

// runStuckSessionRecovery periodically re-enqueues sessions the pipeline
// queue dropped across a restart (per pkg/pipeline.Queue's documented
// restart-drops-pending behavior), once they've been idle past threshold.
func runStuckSessionRecovery(ctx context.Context, machine *lifecycle.Machine, queue *pipeline.Queue, threshold time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(stuckSessionScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuck, err := machine.FindStuckSessions(ctx, threshold)
			if err != nil {
				logger.Error("stuck session scan failed", "error", err)
				continue
			}
			for _, s := range stuck {
				logger.Warn("re-enqueuing stuck session", "session_id", s.ID, "lifecycle", s.Lifecycle)
				queue.Enqueue(s.ID)
			}
		}
	}
}
