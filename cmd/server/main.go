package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/alerts"
	"github.com/tunevest/ledger-engine/internal/api"
	"github.com/tunevest/ledger-engine/internal/config"
	"github.com/tunevest/ledger-engine/internal/events"
	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/limits"
	"github.com/tunevest/ledger-engine/internal/logging"
	"github.com/tunevest/ledger-engine/internal/market"
	"github.com/tunevest/ledger-engine/internal/metrics"
	"github.com/tunevest/ledger-engine/internal/notify"
	"github.com/tunevest/ledger-engine/internal/orderbook"
	"github.com/tunevest/ledger-engine/internal/payment"
	"github.com/tunevest/ledger-engine/internal/store"
	"github.com/tunevest/ledger-engine/internal/sweep"
	"github.com/tunevest/ledger-engine/internal/tracing"
)

func main() {
	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.Env)
	if err != nil {
		logger.Error("tracer init failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(cfg.Database.URL); err != nil {
				logger.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool, cfg.Ledger.LockTimeout)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				logger.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore(store.WithLockTimeout(cfg.Ledger.LockTimeout))
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event bus and outbound messaging ---
	bus := events.NewBus(logger)
	var dispatcher notify.Dispatcher = notify.NewLogDispatcher(logger)

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers, logger)
		if err != nil {
			logger.Error("kafka producer init failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { producer.Close() })
		bus.SubscribeAll(events.NewForwarder(producer, cfg.Kafka.Topics.Events).Handle)
		dispatcher = notify.NewKafkaDispatcher(producer, cfg.Kafka.Topics.Notifications)
		logger.Info("kafka enabled", "brokers", cfg.Kafka.Brokers, "events_topic", cfg.Kafka.Topics.Events)
	}

	// --- Ledger components ---
	exec := ledger.NewExecutor(st,
		ledger.WithPublisher(bus),
		ledger.WithLimiter(limits.NewPositionLimiter(cfg.Ledger.MaxShareOfSupply, cfg.Ledger.MaxPositionValue)),
		ledger.WithFeeRate(cfg.Ledger.FeeRate),
		ledger.WithLogger(logger),
	)
	gateway := payment.NewGateway(exec, payment.WithIntentTTL(cfg.Payments.IntentTTL), payment.WithLogger(logger))
	book := orderbook.NewBook(exec,
		orderbook.WithPublisher(bus),
		orderbook.WithNotifier(dispatcher),
		orderbook.WithLogger(logger),
	)
	evaluator := alerts.NewEvaluator(exec,
		alerts.WithPublisher(bus),
		alerts.WithNotifier(dispatcher),
		alerts.WithLogger(logger),
	)
	catalog := market.NewCatalog(st, market.WithPublisher(bus), market.WithLogger(logger))

	bus.Subscribe(events.TypePriceChanged, book.Handle)
	bus.Subscribe(events.TypePriceChanged, evaluator.Handle)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(ctx)
	bus.SubscribeAll(wsHub.Handle)

	// --- Sweep ---
	sweeper := sweep.New(st, cfg.Sweep.Interval, logger).
		Evaluate(sweep.EvaluatorFunc(func(ctx context.Context, trackID string, price decimal.Decimal) error {
			_, err := book.OnPriceChange(ctx, trackID, price)
			return err
		})).
		Evaluate(sweep.EvaluatorFunc(func(ctx context.Context, trackID string, price decimal.Decimal) error {
			_, err := evaluator.OnPriceChange(ctx, trackID, price)
			return err
		})).
		Expire(sweep.ExpirerFunc(book.ExpireOrders)).
		Expire(sweep.ExpirerFunc(gateway.ExpireIntents))
	go sweeper.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(tracing.Middleware(cfg.ServiceName))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, cfg.ServiceName)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api.NewServer(api.Deps{
		Store:    st,
		Executor: exec,
		Gateway:  gateway,
		Book:     book,
		Alerts:   evaluator,
		Catalog:  catalog,
		Hub:      wsHub,
		Limiter:  api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Logger:   logger,

		AdminToken: cfg.Admin.Token,
	}).Routes(r)

	if cfg.Admin.Token == "" {
		logger.Warn("admin.token not set, admin and price-feed routes are disabled")
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("ledger-engine listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "err", err)
	}
	logger.Info("ledger-engine stopped")
}
