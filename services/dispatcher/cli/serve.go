package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-task-dispatch/internal/kafka"
	"github.com/ramiqadoumi/go-task-dispatch/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-dispatch/internal/redis"
	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
	"github.com/ramiqadoumi/go-task-dispatch/internal/store/memory"
	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
	"github.com/ramiqadoumi/go-task-dispatch/internal/version"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-dispatch/services/dispatcher"
	"github.com/ramiqadoumi/go-task-dispatch/services/dispatcher/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rebuild consumer and the maintenance crons",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("store", config.StorePostgres, "backend: postgres (with redis and kafka) | memory")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().Float64("rebuild-rate", 200, "max rebuild messages per second (0 = unpaced)")
	serveCmd.Flags().String("metrics-addr", ":9094", "metrics and health server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("store", serveCmd.Flags(), "store")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("rebuild_rate", serveCmd.Flags(), "rebuild-rate")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// engine is the wired dispatch engine for one backend.
type engine struct {
	index   *taskqueues.Index
	sched   *scheduler.Scheduler
	checks  map[string]telemetry.Check
	elector dispatcher.Elector
	// rebuild consumes deferred rebuilds until ctx ends.
	rebuild func(ctx context.Context) error
	closers []func()
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.Version,
		Endpoint:       cfg.OTelEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	var eng *engine
	switch cfg.Store {
	case config.StoreMemory:
		eng = newMemoryEngine(cfg, logger)
	case config.StorePostgres:
		if eng, err = newPostgresEngine(cfg, logger); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
	defer eng.close()

	cronOpts := []dispatcher.CronOption{dispatcher.WithCronLogger(logger)}
	if eng.elector != nil {
		cronOpts = append(cronOpts, dispatcher.WithElector(eng.elector))
	}
	crons, err := dispatcher.NewCronRunner(eng.sched, eng.index, cfg.Cron, cronOpts...)
	if err != nil {
		return fmt.Errorf("cron: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	telemetry.StartServer(runCtx, cfg.MetricsAddr, eng.checks, logger)

	logger.Info("dispatcher starting",
		slog.String("store", cfg.Store),
		slog.String("version", version.Version),
	)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		crons.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := eng.rebuild(gctx); err != nil {
			return fmt.Errorf("rebuilder: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

// newMemoryEngine keeps everything in process. State is lost on exit.
func newMemoryEngine(cfg config.Config, logger *slog.Logger) *engine {
	store := memory.New()
	cache := memory.NewCache(time.Now)
	queue := memory.NewQueue()

	opts := append(cfg.Index(), taskqueues.WithLogger(logger))
	index := taskqueues.NewIndex(store, cache, queue, opts...)
	sched := scheduler.New(cfg.Scheduler(), store, index, cache, memory.NewNotifier(),
		scheduler.WithLogger(logger))

	return &engine{
		index:  index,
		sched:  sched,
		checks: map[string]telemetry.Check{"store": store.Ping},
		rebuild: func(ctx context.Context) error {
			return queue.Run(ctx, index.RebuildTaskCache, logger)
		},
	}
}

func newPostgresEngine(cfg config.Config, logger *slog.Logger) (*engine, error) {
	eng := &engine{}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	store := postgres.New(pool, postgres.WithLogger(logger))
	eng.closers = append(eng.closers, func() { _ = store.Close() })

	rdb := redisstore.NewClient(cfg.RedisAddr)
	eng.closers = append(eng.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(initCtx).Err(); err != nil {
		eng.close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	cache := redisstore.NewCache(rdb, cfg.QueueCacheTTL)

	brokers := cfg.Brokers()
	producer := kafka.NewProducer(brokers)
	eng.closers = append(eng.closers, func() { _ = producer.Close() })

	opts := append(cfg.Index(), taskqueues.WithLogger(logger))
	if cfg.RebuildThrottle > 0 {
		throttle := redisstore.NewRebuildThrottle(rdb, cfg.RebuildThrottle, cfg.RebuildThrottleWindow)
		opts = append(opts, taskqueues.WithThrottle(throttle))
	}
	eng.index = taskqueues.NewIndex(store, cache, kafka.NewRebuildQueue(producer, cfg.RebuildTopic), opts...)
	eng.sched = scheduler.New(cfg.Scheduler(), store, eng.index, cache,
		kafka.NewNotifier(producer, cfg.NotificationTopic),
		scheduler.WithLogger(logger))

	consumer := kafka.NewConsumer(brokers, cfg.RebuildTopic, cfg.ConsumerGroup, kafka.WithConsumerLogger(logger))
	eng.closers = append(eng.closers, func() { _ = consumer.Close() })
	rebuilder := dispatcher.NewRebuilder(consumer, eng.index,
		dispatcher.WithRebuilderLogger(logger),
		dispatcher.WithRebuildRate(cfg.RebuildRate, cfg.RebuildBurst),
	)
	eng.rebuild = rebuilder.Run

	leader := redisstore.NewLeader(rdb, "dispatcher-cron", cfg.LeaderTTL)
	eng.elector = leader
	eng.closers = append(eng.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := leader.Release(ctx); err != nil {
			logger.Warn("leader release failed", slog.String("error", err.Error()))
		}
	})
	logger.Info("cron leader candidate", slog.String("instance_id", leader.ID()))

	eng.checks = map[string]telemetry.Check{
		"postgres": store.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	return eng, nil
}
