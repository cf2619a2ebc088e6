package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tutormesh/tutormesh/internal/coordination"
	"github.com/tutormesh/tutormesh/internal/eventstream"
	"github.com/tutormesh/tutormesh/internal/fallback"
	"github.com/tutormesh/tutormesh/internal/statusapi"
	"github.com/tutormesh/tutormesh/pkg/config"
	"github.com/tutormesh/tutormesh/pkg/events"
	"github.com/tutormesh/tutormesh/pkg/health"
	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/metrics"
	"github.com/tutormesh/tutormesh/pkg/resilience"
	"github.com/tutormesh/tutormesh/pkg/tracing"
	"github.com/tutormesh/tutormesh/pkg/types"
)

const serviceVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "tutormesh-coordinator",
		Version:     serviceVersion,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)

	// Initialize metrics and tracing
	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "tutormesh-coordinator",
		ServiceVersion: serviceVersion,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Event bus carries breaker, mode, worker and coordination events
	bus := events.NewBus(0)
	bus.Start()

	// Alerting: breaker trips and mode changes become structured log alerts
	alertManager := resilience.NewAlertManager()
	alertManager.AddHandler(resilience.NewLoggingAlertHandler())
	bus.Subscribe(resilience.NewAlertBridge(alertManager))

	// Resilience stack: per-worker breakers, retry, degraded answers, mode
	breakers := resilience.NewBreakerRegistry(resilience.BreakerRegistryConfig{
		Defaults: resilience.CircuitBreakerConfig{
			FailureThreshold:      cfg.Resilience.FailureThreshold,
			FailureRateThreshold:  cfg.Resilience.FailureRateThreshold,
			SlowCallThreshold:     cfg.Resilience.SlowCallThreshold,
			SlowCallRateThreshold: cfg.Resilience.SlowCallRateThreshold,
			ResetTimeout:          cfg.Resilience.ResetTimeout,
			HalfOpenMaxCalls:      cfg.Resilience.HalfOpenMaxCalls,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:       cfg.Resilience.RetryMaxAttempts,
			BaseDelay:         cfg.Resilience.RetryBaseDelay,
			MaxDelay:          cfg.Resilience.RetryMaxDelay,
			BackoffMultiplier: cfg.Resilience.RetryBackoffMultiplier,
			Jitter:            cfg.Resilience.RetryJitter,
		},
		GlobalTripFraction:  cfg.Resilience.GlobalTripFraction,
		GlobalResetFraction: cfg.Resilience.GlobalResetFraction,
	}, bus, m)

	provider := fallback.NewProvider(fallback.Config{
		CacheEnabled:      cfg.Fallback.CacheEnabled,
		SimplifiedEnabled: cfg.Fallback.SimplifiedEnabled,
		StaticEnabled:     cfg.Fallback.StaticEnabled,
		MaxCacheAge:       cfg.Fallback.MaxCacheAge,
		SweepInterval:     cfg.Fallback.SweepInterval,
	})

	healthService := health.NewService(logger, health.DefaultConfig())

	controller := resilience.NewController(resilience.ControllerConfig{
		EvalInterval:          cfg.Resilience.ModeEvalInterval,
		EmergencyOpenFraction: cfg.Resilience.EmergencyOpenFraction,
		DegradedOpenFraction:  cfg.Resilience.DegradedOpenFraction,
		RecoveryOpenFraction:  cfg.Resilience.RecoveryOpenFraction,
		RecoveryErrorRate:     cfg.Resilience.RecoveryErrorRate,
	}, breakers, provider, healthService, bus, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller.Start(ctx)

	// Worker registry, dispatch channel and coordinator
	registry := coordination.NewRegistry(coordination.RegistryConfig{
		Strategy:         coordination.SelectionStrategy(cfg.Coordination.SelectionStrategy),
		HeartbeatTimeout: cfg.Coordination.StaleWorkerTimeout,
		JanitorInterval:  cfg.Coordination.HeartbeatInterval,
	}, bus, m)

	dispatcher := coordination.NewDispatcher(coordination.DispatcherConfig{
		DispatchTimeout: cfg.Coordination.DispatchTimeout,
	}, registry, m)

	coordinator := coordination.NewCoordinator(registry, dispatcher, coordination.DefaultRouter(), controller, breakers, bus, m)

	// Workers attach in process through Coordinator.RegisterWorker. The
	// sample set lets the binary run end to end without an embedding
	// application.
	if os.Getenv("SAMPLE_WORKERS") == "true" {
		if err := registerSampleWorkers(coordinator); err != nil {
			log.Fatalf("Failed to register sample workers: %v", err)
		}
		logger.Warn("Sample workers registered - answers are canned placeholders")
	}

	healthService.RegisterChecker("workers", health.NewWorkerRegistryChecker(registry, "workers"))
	healthService.RegisterChecker("breakers", health.NewBreakerChecker(breakers, "breakers"))

	// Optional Redis relay mirrors bus events to pub/sub channels
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = eventstream.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}

		relayLogger, err := zap.NewProduction()
		if err != nil {
			log.Fatalf("Failed to initialize relay logging: %v", err)
		}
		bus.Subscribe(eventstream.NewRelay(redisClient, relayLogger, eventstream.DefaultRelayConfig()))
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))

		logger.Info("Event relay started", "addr", cfg.RedisAddr())
	}

	// Background gauge sampling for values nothing pushes on its own
	collector := metrics.NewCollector(m, 15*time.Second,
		func(m *metrics.Metrics) {
			m.UpdateCacheHitRatio("fallback", provider.DegradationStatus().Cache.HitRate)
		},
		func(m *metrics.Metrics) {
			m.UpdateEventsDropped(bus.Dropped())
		},
	)
	go collector.Start()

	// Status API server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      statusapi.NewServer(cfg, healthService, m, registry, breakers, controller, provider, tracer).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Status API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start status API server: %v", err)
		}
	}()

	logger.Info("Coordination core started",
		"mode", string(controller.Mode()),
		"strategy", cfg.Coordination.SelectionStrategy,
		"relay_enabled", cfg.Redis.Enabled,
	)

	// Wait for interrupt signal to gracefully shut everything down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down coordination core")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Status API forced to shut down", "error", err.Error())
	}

	// Stop loops before tearing down what they publish to.
	cancel()
	controller.Close()
	registry.Close()
	provider.Close()
	collector.Stop()
	bus.Close()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close Redis client", "error", err.Error())
		}
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down tracer", "error", err.Error())
	}

	logger.Info("Coordination core exited")
}

// registerSampleWorkers installs one canned worker per type so routing,
// dispatch, breakers and aggregation can be exercised without real workers.
func registerSampleWorkers(coordinator *coordination.Coordinator) error {
	samples := []struct {
		id           string
		workerType   types.WorkerType
		capabilities []string
	}{
		{"tutor-sample", types.WorkerTypeTutor, []string{"code", "math"}},
		{"content-sample", types.WorkerTypeContent, []string{"code"}},
		{"assessment-sample", types.WorkerTypeAssessment, nil},
		{"feedback-sample", types.WorkerTypeFeedback, nil},
	}

	for _, sample := range samples {
		descriptor := types.WorkerDescriptor{
			ID:           sample.id,
			Type:         sample.workerType,
			Capabilities: sample.capabilities,
		}
		if err := coordinator.RegisterWorker(descriptor, sampleHandler(sample.id, sample.workerType)); err != nil {
			return err
		}
	}
	return nil
}

func sampleHandler(workerID string, workerType types.WorkerType) coordination.Handler {
	return func(ctx context.Context, envelope *types.Envelope) (*types.Envelope, error) {
		content := ""
		if message, ok := envelope.Payload.(*types.Message); ok && message != nil {
			content = message.Content
		}

		return envelope.Reply(&types.WorkerReply{
			WorkerID:   workerID,
			WorkerType: workerType,
			Content:    fmt.Sprintf("Sample %s answer for: %s", workerType, content),
			Success:    true,
		}), nil
	}
}
