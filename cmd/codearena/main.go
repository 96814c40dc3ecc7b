// Command codearena runs the contest platform. `codearena serve` starts
// the full stack (HTTP API, WebSocket gateway, judge workers, contest
// scheduler); `codearena worker` starts judge workers only, for scaling
// judging capacity horizontally against a shared Redis queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/auth"
	"github.com/codearena/codearena/internal/config"
	"github.com/codearena/codearena/internal/contest"
	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/judge"
	"github.com/codearena/codearena/internal/leaderboard"
	"github.com/codearena/codearena/internal/observability/metrics"
	"github.com/codearena/codearena/internal/queue"
	"github.com/codearena/codearena/internal/sandbox"
	"github.com/codearena/codearena/internal/server"
	"github.com/codearena/codearena/internal/ws"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitStartup = 2
	exitSignal  = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	command := args[0]
	switch command {
	case "serve", "worker":
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		usage()
		return exitConfig
	}

	flags := flag.NewFlagSet(command, flag.ContinueOnError)
	workers := flags.Int("workers", 0, "initial judge worker count (overrides JUDGE_WORKERS)")
	redisURL := flags.String("redis-url", "", "Redis connection URL (overrides REDIS_URL)")
	dbURL := flags.String("db-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	listen := flags.String("listen", "", "listen address, host:port (overrides SERVER_HOST/PORT)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	if err := flags.Parse(args[1:]); err != nil {
		return exitConfig
	}

	cfg := config.Load()
	if *workers > 0 {
		cfg.Judge.Workers = *workers
	}
	if *redisURL != "" {
		cfg.Redis.URL = *redisURL
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *listen != "" {
		host, port, err := splitListen(*listen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --listen address: %v\n", err)
			return exitConfig
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if *logLevel != "" {
		cfg.Security.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.Security.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: invalid log level %q\n", cfg.Security.LogLevel)
		return exitConfig
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch command {
	case "serve":
		runErr = serve(ctx, cfg, logger)
	case "worker":
		runErr = workerOnly(ctx, cfg, logger)
	}
	if runErr != nil {
		logger.WithError(runErr).Error("Startup failed")
		return exitStartup
	}
	if ctx.Err() != nil {
		logger.Info("Shut down on signal")
		return exitSignal
	}
	return exitOK
}

// serve runs the full stack in one process.
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store := database.NewStoreWithFallback(cfg, logger)
	if pg, ok := store.(*database.PostgresStore); ok {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rdb, err := redisClient(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	bus := events.NewBus(nil)
	defer bus.Close()

	q := queue.NewQueue(rdb, &queue.Config{
		MaxAttempts:  cfg.Judge.MaxAttempts,
		RetryBackoff: cfg.Judge.RetryBackoff,
		StallTimeout: cfg.Judge.StallTimeout,
	}, logger)

	board := leaderboard.NewController(store, bus, cfg.Contest.BroadcastWindow, logger)
	board.Start()
	defer board.Stop()

	executor := sandbox.NewExecutor(&sandbox.Config{
		CompileTimeout: cfg.Judge.CompileTimeout,
		MaxOutputBytes: cfg.Judge.MaxOutputBytes,
		MaxConcurrent:  cfg.Judge.MaxConcurrentRuns,
		WorkDir:        cfg.Judge.WorkDir,
	}, logger)
	engine := judge.NewEngine(executor, bus, logger)
	judges := judge.NewService(store, engine, q, bus, board, logger)

	pool := queue.NewPool(q, judges, poolConfig(cfg), logger)
	judges.SetETAEstimator(pool)
	pool.Start()
	defer pool.Stop()

	collector := metrics.NewCollector()
	judges.SetResultObserver(collector)
	sampler := metrics.NewSampler(collector, q, pool, bus, 0, logger)
	sampler.Start()
	defer sampler.Stop()

	scheduler := contest.NewScheduler(store, board, bus, &contest.SchedulerConfig{
		TickInterval: cfg.Contest.TickInterval,
		GracePeriod:  cfg.Contest.GracePeriod,
		GracePoll:    cfg.Contest.GracePoll,
	}, logger)
	scheduler.Start()
	defer scheduler.Stop()

	tokens, err := auth.NewManager(cfg.Security.JWTSecret, cfg.Security.SessionTimeout)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	gateway := ws.NewGateway(bus, tokens, &ws.GatewayConfig{
		AllowedOrigins: cfg.Server.CORSOrigins,
	}, logger)

	srv := server.New(cfg, server.Deps{
		Store:       store,
		Judge:       judges,
		Queue:       q,
		Pool:        pool,
		Leaderboard: board,
		Scheduler:   scheduler,
		Tokens:      tokens,
		Gateway:     gateway,
		Collector:   collector,
	}, logger)

	return srv.Run(ctx)
}

// workerOnly runs judge workers against the shared queue without the
// HTTP surface or the contest scheduler.
func workerOnly(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store := database.NewStoreWithFallback(cfg, logger)

	rdb, err := redisClient(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	bus := events.NewBus(nil)
	defer bus.Close()

	q := queue.NewQueue(rdb, &queue.Config{
		MaxAttempts:  cfg.Judge.MaxAttempts,
		RetryBackoff: cfg.Judge.RetryBackoff,
		StallTimeout: cfg.Judge.StallTimeout,
	}, logger)

	board := leaderboard.NewController(store, bus, cfg.Contest.BroadcastWindow, logger)
	board.Start()
	defer board.Stop()

	executor := sandbox.NewExecutor(&sandbox.Config{
		CompileTimeout: cfg.Judge.CompileTimeout,
		MaxOutputBytes: cfg.Judge.MaxOutputBytes,
		MaxConcurrent:  cfg.Judge.MaxConcurrentRuns,
		WorkDir:        cfg.Judge.WorkDir,
	}, logger)
	engine := judge.NewEngine(executor, bus, logger)
	judges := judge.NewService(store, engine, q, bus, board, logger)

	pool := queue.NewPool(q, judges, poolConfig(cfg), logger)
	judges.SetETAEstimator(pool)
	pool.Start()
	defer pool.Stop()

	logger.WithField("workers", pool.WorkerCount()).Info("Judge workers running")
	<-ctx.Done()
	return nil
}

func poolConfig(cfg *config.Config) *queue.PoolConfig {
	pc := queue.DefaultPoolConfig()
	pc.MinWorkers = cfg.Judge.MinWorkers
	pc.MaxWorkers = cfg.Judge.MaxWorkers
	pc.InitialWorkers = cfg.Judge.Workers
	pc.HeartbeatTimeout = cfg.Judge.HeartbeatTimeout
	return pc
}

func redisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr(),
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.Timeout,
	}), nil
}

func splitListen(addr string) (host, port string, err error) {
	return net.SplitHostPort(addr)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: codearena <command> [flags]

Commands:
  serve    run the full platform: API, WebSocket gateway, judge workers,
           contest scheduler
  worker   run judge workers only, against a shared Redis queue

Flags:
  --workers N       initial judge worker count
  --redis-url URL   Redis connection URL
  --db-url URL      PostgreSQL connection URL
  --listen ADDR     listen address (host:port), serve only
  --log-level LVL   debug, info, warn or error
`)
}
