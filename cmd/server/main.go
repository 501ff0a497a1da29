package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"orderflow/cmd/server/config"
	"orderflow/internal/broker"
	sagadb "orderflow/internal/db/saga"
	"orderflow/internal/frontdoor"
	"orderflow/internal/kitchen"
	"orderflow/internal/observability"
	"orderflow/internal/payment"
	"orderflow/internal/realtime"
	"orderflow/internal/resilience"
	"orderflow/internal/saga"
	"orderflow/internal/telemetry"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewLogger("orderflow")

	if err := run(ctx, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.SetupTracer(ctx, "orderflow", cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	metrics := observability.NewMetrics()

	bkr, closeBroker, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	retry := resilience.RetryPolicy{
		MaxAttempts: cfg.Reliability.RetryMaxAttempts,
		BaseDelay:   cfg.Reliability.RetryBaseDelay,
		MaxDelay:    cfg.Reliability.RetryMaxDelay,
	}
	publisher := observability.NewCountPublishes(broker.NewRetryingPublisher(bkr, retry), metrics)

	sagaStore, paymentGateway, closeDB := buildPersistence(ctx, cfg, logger)
	defer closeDB()

	statusStore, closeRedis := buildStatusStore(cfg, logger)
	defer closeRedis()

	hub := realtime.NewHub()
	go hub.Run(ctx)
	notifier := realtime.NewNotifier(hub, logger)

	orchestrator := saga.New(saga.Config{
		Store:    sagaStore,
		Commands: publisher,
		Logger:   logger,
		OnReject: func(saga.Rejection) { metrics.AddRejection() },
		OnTransition: func(_ string, to saga.State) {
			metrics.AddTransition(to)
		},
	})

	paymentWorker := payment.NewWorker(payment.WorkerConfig{
		Gateway: paymentGateway,
		Events:  publisher,
		Status:  statusStore,
		Logger:  logger,
	})
	kitchenWorker := kitchen.NewWorker(kitchen.WorkerConfig{
		Confirmer: kitchen.NewSimulatedConfirmer(cfg.KitchenDelay),
		Events:    publisher,
		Logger:    logger,
	})

	consume := func(h broker.Handler, name string) broker.Handler {
		return observability.Measure(metrics, telemetry.TraceHandler(name, h))
	}
	if err := bkr.ConsumeCommands(ctx, broker.PaymentQueue, consume(paymentWorker.Handle, "payment")); err != nil {
		return err
	}
	if err := bkr.ConsumeCommands(ctx, broker.KitchenQueue, consume(kitchenWorker.Handle, "kitchen")); err != nil {
		return err
	}
	if err := bkr.SubscribeEvents(ctx, "orchestrator", consume(orchestrator.Handle, "saga")); err != nil {
		return err
	}
	if err := bkr.SubscribeEvents(ctx, "notifications", notifier.Handle); err != nil {
		return err
	}

	if cfg.SagaDeadline > 0 {
		sweeper := saga.NewSweeper(sagaStore, publisher, cfg.SagaDeadline, logger)
		go sweeper.Run(ctx, cfg.SweepInterval)
		logger.Info("saga deadline sweep enabled", "deadline", cfg.SagaDeadline)
	}

	limiter := resilience.NewRateLimiter(cfg.Reliability.RateLimitInterval, cfg.Reliability.RateLimitBurst)
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Reliability.BreakerMaxFailures,
		ResetTimeout: cfg.Reliability.BreakerResetTimeout,
		OnOpen:       metrics.AddBreakerOpen,
	})
	var statusClient frontdoor.StatusClient = frontdoor.NewStoreStatusClient(statusStore)
	if cfg.PaymentStatusURL != "" {
		statusClient = frontdoor.NewHTTPStatusClient(cfg.PaymentStatusURL, &http.Client{Timeout: 5 * time.Second})
	}
	statusClient = frontdoor.NewResilientStatusClient(statusClient, limiter, breaker, retry)

	handler := frontdoor.NewHandler(frontdoor.HandlerConfig{
		Events:   publisher,
		Payments: statusClient,
		Hub:      hub,
		Logger:   logger,
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	handler.Routes(router)
	router.Method(http.MethodGet, "/metrics", observability.Handler(metrics))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	logger.Info("server running", "addr", cfg.HTTPAddr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildBroker returns the AMQP broker when configured, the in-memory
// broker otherwise.
func buildBroker(ctx context.Context, cfg config.Config, logger *slog.Logger) (broker.Broker, func(), error) {
	if cfg.AMQPURL == "" {
		b := broker.NewMemoryBroker(logger)
		logger.Info("in-memory broker enabled")
		return b, func() { _ = b.Close() }, nil
	}
	b, err := broker.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPPrefetch, logger)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { _ = b.Close() }, nil
}

// buildPersistence wires the saga store and payment gateway from Postgres
// when configured. If initialization fails it falls back to the in-memory
// store and simulated gateway rather than refusing to start.
func buildPersistence(ctx context.Context, cfg config.Config, logger *slog.Logger) (saga.Store, payment.Gateway, func()) {
	memory := func() (saga.Store, payment.Gateway, func()) {
		return saga.NewMemoryStore(), payment.NewSimulatedGateway(cfg.PaymentDelay), func() {}
	}

	if cfg.DatabaseURL == "" {
		return memory()
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("postgres open failed, falling back to in-memory saga store", "error", err)
		return memory()
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := sagadb.NewStoreWithSchema(setupCtx, db)
	if err != nil {
		logger.Error("saga schema init failed, falling back to in-memory saga store", "error", err)
		_ = db.Close()
		return memory()
	}
	gateway, err := payment.NewLedgerGatewayWithSchema(setupCtx, db)
	if err != nil {
		logger.Error("payment schema init failed, falling back to in-memory saga store", "error", err)
		_ = db.Close()
		return memory()
	}

	logger.Info("postgres saga store enabled")
	return store, gateway, func() {
		if err := db.Close(); err != nil {
			logger.Error("close postgres", "error", err)
		}
	}
}

// buildStatusStore wires the Redis payment status store when configured.
func buildStatusStore(cfg config.Config, logger *slog.Logger) (payment.StatusStore, func()) {
	if cfg.RedisURL == "" {
		return payment.NewMemoryStatusStore(), func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("redis url invalid, falling back to in-memory status store", "error", err)
		return payment.NewMemoryStatusStore(), func() {}
	}
	client := redis.NewClient(opts)
	if cfg.RedisOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			logger.Error("redis tracing instrumentation failed", "error", err)
		}
	}

	logger.Info("redis payment status store enabled")
	return payment.NewRedisStatusStore(client, cfg.RedisStatusTTL), func() {
		if err := client.Close(); err != nil {
			logger.Error("close redis", "error", err)
		}
	}
}
