package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"query-offload-service/internal/config"
	"query-offload-service/internal/evictor"
	"query-offload-service/internal/executor"
	"query-offload-service/internal/repository/postgresql"
	"query-offload-service/internal/resultstore"
	"query-offload-service/internal/service"
	"query-offload-service/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.BackendDSN == "" {
		log.Fatal("missing env: BACKEND_DSN")
	}

	// Postgres: job metadata tracker
	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("pg: %v", err)
	}
	defer pool.Close()

	// Postgres: result store
	resultsPool, err := postgresql.NewPool(ctx, cfg.ResultsDSN)
	if err != nil {
		log.Fatalf("results pg: %v", err)
	}
	defer resultsPool.Close()

	// Postgres: protected backend, reads only
	backendPool, err := postgresql.NewPool(ctx, cfg.BackendDSN)
	if err != nil {
		log.Fatalf("backend pg: %v", err)
	}
	defer backendPool.Close()

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	// DI
	repo := postgresql.NewJobRepository(pool)
	queue := service.NewRedisQueue(rdb, cfg.QueueKey, cfg.ProcessingKey, cfg.DelayedKey)
	store, err := resultstore.NewStore(ctx, resultsPool)
	if err != nil {
		log.Fatalf("result store: %v", err)
	}
	exec := executor.NewPostgresExecutor(backendPool)
	throttle := service.NewThrottle(cfg.BackendCallsPerInterval, cfg.ThrottleInterval)

	processor := worker.NewProcessor(repo, exec, store, queue, throttle, worker.Config{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
		BackoffMultiplier: cfg.BackoffMultiplier,
		LeaseTimeout:      cfg.LeaseTimeout,
		HeartbeatEvery:    cfg.HeartbeatEvery,
	})
	pollPool := worker.NewPool(queue, processor, cfg.Workers)

	evict, err := evictor.New(store, repo, cfg.EvictionSchedule)
	if err != nil {
		log.Fatalf("evictor: %v", err)
	}

	log.Printf("[worker] config workers=%d rate=%d/%s max_attempts=%d lease_timeout=%s eviction=%q backend_dsn=%s",
		cfg.Workers, cfg.BackendCallsPerInterval, cfg.ThrottleInterval, cfg.MaxAttempts,
		cfg.LeaseTimeout, cfg.EvictionSchedule, config.RedactDSN(cfg.BackendDSN))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pollPool.Run(gctx)
		return nil
	})

	// Reaper: returns stale processing entries and abandoned leases to the
	// queue, and promotes delayed retries whose backoff has elapsed.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.ReaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := queue.RequeueStale(gctx, cfg.LeaseTimeout, 100); err != nil {
					log.Printf("[reaper] requeue error=%v", err)
				} else if n > 0 {
					log.Printf("[reaper] requeued=%d", n)
				}
				if n, err := queue.PromoteDue(gctx, 100); err != nil {
					log.Printf("[reaper] promote error=%v", err)
				} else if n > 0 {
					log.Printf("[reaper] promoted=%d", n)
				}
				ids, err := repo.RequeueAbandoned(gctx, cfg.LeaseTimeout)
				if err != nil {
					log.Printf("[reaper] abandoned sweep error=%v", err)
					continue
				}
				for _, id := range ids {
					if err := queue.Enqueue(gctx, id.String()); err != nil {
						log.Printf("[reaper] job_id=%s re-enqueue error=%v", id, err)
					}
				}
				if len(ids) > 0 {
					log.Printf("[reaper] abandoned_requeued=%d", len(ids))
				}
			}
		}
	})

	g.Go(func() error {
		return evict.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("worker: %v", err)
	}
	log.Println("worker stopped")
}
