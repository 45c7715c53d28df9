package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AfshinJalili/barterx/libs/health"
	"github.com/AfshinJalili/barterx/libs/httpmiddleware"
	"github.com/AfshinJalili/barterx/libs/kafka"
	"github.com/AfshinJalili/barterx/libs/logging"
	"github.com/AfshinJalili/barterx/libs/metrics"
	"github.com/AfshinJalili/barterx/libs/trace"
	"github.com/AfshinJalili/barterx/services/escrow/internal/audit"
	"github.com/AfshinJalili/barterx/services/escrow/internal/config"
	"github.com/AfshinJalili/barterx/services/escrow/internal/consumer"
	"github.com/AfshinJalili/barterx/services/escrow/internal/notify"
	"github.com/AfshinJalili/barterx/services/escrow/internal/risk"
	"github.com/AfshinJalili/barterx/services/escrow/internal/service"
	"github.com/AfshinJalili/barterx/services/escrow/internal/storage"
	"github.com/AfshinJalili/barterx/services/escrow/internal/velocity"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	root := &cli.Command{
		Name:  "escrow",
		Usage: "Barter trade escrow service",
		Commands: []*cli.Command{
			serveCommand(),
			sweepCommand(),
			verifyAuditCommand(),
			migrateCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "escrow: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the expiry sweep loop, the sweep request consumer and the ops HTTP server",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "migrate", Usage: "apply database migrations before starting"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			rt, err := bootstrap(ctx, c.Bool("migrate"))
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.serve(ctx)
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one expiry sweep, or ask the running service to run one",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "async", Usage: "publish a sweep request to Kafka instead of sweeping in-process"},
			&cli.StringFlag{Name: "requested-by", Value: "cli", Usage: "requester recorded on the sweep request"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			rt, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if c.Bool("async") {
				if rt.publisher == nil {
					return errors.New("--async requires KAFKA_BROKERS")
				}
				id, err := consumer.RequestSweep(ctx, rt.publisher, rt.cfg.Kafka.Topics.SweepRequested, c.String("requested-by"))
				if err != nil {
					return err
				}
				fmt.Printf("sweep requested: %s\n", id)
				return nil
			}

			expired, err := rt.trades.RunExpirySweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("expired %d trades\n", expired)
			return nil
		},
	}
}

func verifyAuditCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify-audit",
		Usage: "Recompute the audit hash chain and report the first tampered record",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "after-seq", Usage: "resume after a record already verified"},
			&cli.IntFlag{Name: "batch-size", Value: 500, Usage: "records read per query"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			rt, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.ledger.Verify(ctx, audit.VerifyOptions{
				AfterSeq:  c.Int64("after-seq"),
				BatchSize: c.Int("batch-size"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d records checked)\n", result, result.Checked)
			if !result.Verified {
				return cli.Exit("audit chain verification failed", 2)
			}
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			pool, err := connectDB(ctx, cfg)
			if err != nil {
				return fmt.Errorf("db connection: %w", err)
			}
			defer pool.Close()
			return storage.Migrate(ctx, pool)
		},
	}
}

type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *prometheus.Registry
	httpMetrics *metrics.HTTP
	ready       *health.Manager
	store       storage.Store
	ledger      *audit.Ledger
	trades      *service.TradeService
	publisher   kafka.Publisher
	producer    *kafka.SyncProducer
	closers     []func()
}

func bootstrap(ctx context.Context, migrate bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	rt := &app{cfg: cfg, logger: logger, ready: health.NewManager(false)}

	shutdownTracer, err := trace.InitTracer(ctx, trace.Config{
		ServiceName: cfg.App.ServiceName,
		Env:         cfg.App.Env,
		Endpoint:    cfg.App.Tracing.Endpoint,
		SampleRatio: cfg.App.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		rt.onClose(func() { _ = shutdownTracer(context.Background()) })
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector())
	rt.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.httpMetrics = metrics.NewHTTP(rt.registry)
	escrowMetrics := service.NewMetrics(rt.registry)
	kafkaMetrics := kafka.NewProducerMetrics(rt.registry)

	switch cfg.DB.Driver {
	case config.StoreMemory:
		logger.Warn("using in-memory store; state is lost on exit")
		rt.store = storage.NewMemory()
	default:
		pool, err := connectDB(ctx, cfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("db connection: %w", err)
		}
		rt.onClose(pool.Close)
		if migrate {
			if err := storage.Migrate(ctx, pool); err != nil {
				rt.Close()
				return nil, err
			}
		}
		rt.store = storage.NewPostgres(pool, logger)
	}
	rt.ready.AddCheck("store", rt.store.Ping)

	limits := velocity.Limits{MaxTrades: cfg.Velocity.MaxTrades, MaxVolume: cfg.Velocity.MaxVolume, Window: cfg.Velocity.Window}
	var limiter velocity.Store = velocity.NewMemory(limits)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		rt.onClose(func() { _ = client.Close() })
		rt.ready.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		limiter = velocity.NewRedis(client, limits, "")
	} else {
		logger.Warn("REDIS_ADDR not set; velocity limits are per process")
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Kafka.Enabled() {
		producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.App.ServiceName,
		}, logger, kafkaMetrics)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		rt.onClose(func() { _ = producer.Close() })
		rt.producer = producer
		rt.publisher = producer
		if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
			rt.publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger).WithMetrics(kafkaMetrics)
		}
		notifier = notify.NewKafka(rt.publisher, cfg.Kafka.Topics.Notifications, logger)
	}

	guard := risk.NewGuard(risk.Nop{}, risk.Config{
		LockdownScore:    cfg.Risk.LockdownScore,
		Timeout:          cfg.Risk.Timeout,
		BreakerThreshold: cfg.Risk.BreakerThreshold,
		BreakerCooldown:  cfg.Risk.BreakerCooldown,
	}, logger, escrowMetrics)

	rt.ledger = audit.NewLedger(rt.store, logger, escrowMetrics)
	rt.trades = service.NewTradeService(rt.store, service.Deps{
		Velocity: limiter,
		Guard:    guard,
		Notifier: notifier,
		Audit:    rt.ledger,
	}, service.Settings{
		BaseEscrowRate:       cfg.Escrow.BaseRate,
		TradeWindow:          cfg.Escrow.TradeWindow,
		SellerFeeBasisPoints: cfg.Escrow.SellerFeeBasisPoints,
		SweepBatchSize:       cfg.Sweep.BatchSize,
		DefaultCashCurrency:  cfg.Escrow.DefaultCashCurrency,
	}, logger, escrowMetrics)

	return rt, nil
}

func (rt *app) serve(ctx context.Context) error {
	if rt.cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := buildHTTPServer(rt, rt.logger)
	runner := service.NewSweepRunner(rt.trades, rt.cfg.Sweep.Interval, rt.cfg.Sweep.Timeout, rt.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("escrow http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		rt.logger.Info("expiry sweep loop starting", "interval", rt.cfg.Sweep.Interval)
		return runner.Run(gctx)
	})
	if rt.cfg.Kafka.Enabled() {
		group, err := kafka.NewConsumer(rt.cfg.Kafka.Brokers, rt.cfg.Kafka.ConsumerGroup, rt.logger)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		group.WithDLQ(rt.producer, rt.cfg.Kafka.Topics.DeadLetter)
		defer group.Close()

		handler := consumer.NewSweepConsumer(rt.trades, rt.logger)
		g.Go(func() error {
			rt.logger.Info("escrow consumer starting", "topic", rt.cfg.Kafka.Topics.SweepRequested)
			err := group.Consume(gctx, []string{rt.cfg.Kafka.Topics.SweepRequested}, handler)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			return nil
		})
	}

	rt.ready.SetReady(true)
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer, rt.ready, rt.logger)
	})
	return g.Wait()
}

func shutdown(httpServer *http.Server, ready *health.Manager, logger *slog.Logger) error {
	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func (rt *app) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse acquisition order.
func (rt *app) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(rt *app, logger *slog.Logger) *http.Server {
	cfg := rt.cfg
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, rt.httpMetrics, "/healthz", "/readyz", cfg.App.MetricsPath))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(rt.ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(rt.registry)))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}
