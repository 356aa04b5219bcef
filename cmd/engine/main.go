// Command engine runs the LinkFlow execution core: the workflow
// engine, timer scanners, matching service, worker pool, and the
// control-plane RPC surface, in one process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/api"
	"github.com/linkflow/engine/internal/callback"
	"github.com/linkflow/engine/internal/codec"
	"github.com/linkflow/engine/internal/config"
	"github.com/linkflow/engine/internal/engine"
	"github.com/linkflow/engine/internal/history"
	"github.com/linkflow/engine/internal/matching"
	"github.com/linkflow/engine/internal/state"
	"github.com/linkflow/engine/internal/stream"
	"github.com/linkflow/engine/internal/timer"
	"github.com/linkflow/engine/internal/types"
	"github.com/linkflow/engine/internal/variables"
	"github.com/linkflow/engine/internal/visibility"
	"github.com/linkflow/engine/internal/worker"
	"github.com/linkflow/engine/migrations"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("engine exited", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := migrate(cfg.Storage.PostgresDSN); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Storage.RedisAddr,
		DB:   cfg.Storage.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	ser := codec.NewJSON()
	historyStore := history.NewPostgresStore(pool, cfg.ShardCount)
	stateStore := state.NewPostgresStore(pool, ser, cfg.ShardCount, cfg.Storage.StrictChecksum, logger)
	visibilityStore := visibility.NewPostgresStore(pool)
	variableStore := variables.NewPostgresStore(pool)
	resolver := variables.NewResolver(variableStore)

	matchingSvc := matching.NewService(matching.NewPostgresTaskStore(pool), matching.Config{
		QueueCapacity:  cfg.Matching.QueueCapacity,
		GlobalRPS:      cfg.Matching.GlobalRPS,
		GlobalBurst:    cfg.Matching.GlobalBurst,
		NamespaceRPS:   cfg.Matching.NamespaceRPS,
		NamespaceBurst: cfg.Matching.NamespaceBurst,
		DefaultTimeout: cfg.Worker.DefaultTimeout,
	}, logger)
	defer matchingSvc.Close()

	var notifier *callback.Notifier
	if cfg.Engine.APIURL != "" {
		notifier = callback.NewNotifier(callback.Config{
			URL:        cfg.Engine.APIURL,
			Secret:     cfg.Engine.CallbackSecret,
			QueueSize:  cfg.Engine.CallbackQueueSize,
			MaxRetries: cfg.Engine.CallbackMaxRetries,
			RetryDelay: cfg.Engine.CallbackRetryDelay,
		}, logger)
		defer notifier.Close()
	}

	hub := stream.NewHub(logger)
	go hub.Run(ctx)

	timerSvc := timer.NewService(timer.NewPostgresStore(pool), nil, ownedShards(cfg), timer.Config{
		ScanInterval: cfg.Timer.ScanInterval,
		ScanBatch:    cfg.Timer.ScanBatch,
		Retention:    cfg.Timer.Retention,
	}, logger)

	eng := engine.New(engine.Deps{
		History:    historyStore,
		State:      stateStore,
		Visibility: visibilityStore,
		Matching:   matchingSvc,
		Timers:     timerSvc,
		Resolver:   resolver,
		Notifier:   notifier,
		Hub:        hub,
		Guard:      engine.NewRedisStartGuard(redisClient),
		Codec:      ser,
	}, engine.Config{
		ShardCount:           cfg.ShardCount,
		DefaultTaskTimeout:   cfg.Worker.DefaultTimeout,
		DefaultExecTimeout:   cfg.Engine.DefaultExecutionTimeout,
		SendSensitiveContext: cfg.Engine.SendSensitiveContext,
	}, logger)
	defer eng.Close()

	// Lease-sweeper exhaustion feeds back into the engine so a run whose
	// final attempt crashed does not strand.
	matchingSvc.SetExhaustedHandler(func(task *types.Task) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.OnTaskExhausted(ctx, task); err != nil {
			logger.Error("report exhausted task failed",
				zap.String("task_id", task.TaskID), zap.Error(err))
		}
	})

	timerSvc.SetHandler(eng.OnTimerFired)
	if err := timerSvc.Start(); err != nil {
		return err
	}
	defer timerSvc.Stop()

	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover matching state: %w", err)
	}

	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry)
	var assignments []worker.Assignment
	for _, ns := range cfg.Worker.Namespaces {
		for _, queue := range cfg.Worker.TaskQueues {
			assignments = append(assignments, worker.Assignment{Namespace: ns, TaskQueue: queue})
		}
	}
	workerPool := worker.NewPool(matchingSvc, eng, registry, assignments, worker.PoolConfig{
		Workers: cfg.Worker.PoolSize,
		Breaker: worker.BreakerConfig{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			Window:              cfg.Breaker.Window,
			MinRequestsInWindow: cfg.Breaker.MinRequestsInWindow,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
			HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		},
		Bulkhead: worker.BulkheadConfig{
			MaxConcurrent: cfg.Bulkhead.MaxConcurrent,
			MaxWait:       cfg.Bulkhead.MaxWait,
		},
	}, logger)
	workerPool.Start()
	defer workerPool.Stop()

	server := api.NewServer(eng, visibilityStore, hub, api.Config{
		ListenAddr:  cfg.API.ListenAddr,
		BearerToken: cfg.API.BearerToken,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
		// Deferred stops drain the pool, timers, matching, callbacks.
		time.Sleep(100 * time.Millisecond)
		return nil
	}
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// ownedShards resolves the shard set this instance scans; empty config
// means all of them.
func ownedShards(cfg config.Config) []int32 {
	if len(cfg.OwnedShards) > 0 {
		return cfg.OwnedShards
	}
	shards := make([]int32, cfg.ShardCount)
	for i := range shards {
		shards[i] = int32(i)
	}
	return shards
}
