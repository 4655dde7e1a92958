package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"query-offload-service/internal/config"
	"query-offload-service/internal/repository/postgresql"
	"query-offload-service/internal/resultstore"
	"query-offload-service/internal/service"
	httptransport "query-offload-service/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Postgres: job metadata tracker
	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("pg: %v", err)
	}
	defer pool.Close()

	// Postgres: result store (may be the same instance, different schemas)
	resultsPool, err := postgresql.NewPool(ctx, cfg.ResultsDSN)
	if err != nil {
		log.Fatalf("results pg: %v", err)
	}
	defer resultsPool.Close()

	store, err := resultstore.NewStore(ctx, resultsPool)
	if err != nil {
		log.Fatalf("result store: %v", err)
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	// DI
	repo := postgresql.NewJobRepository(pool)
	queue := service.NewRedisQueue(rdb, cfg.QueueKey, cfg.ProcessingKey, cfg.DelayedKey)
	admission := service.NewAdmissionService(repo, queue, cfg.MaxQueueDepth)
	retrieval := service.NewRetrievalService(repo, store)
	handler := httptransport.NewHandler(admission, retrieval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("[api] listening addr=%s max_queue_depth=%d generation=%d postgres_dsn=%s",
		cfg.HTTPAddr, cfg.MaxQueueDepth, store.ActiveGeneration(), config.RedactDSN(cfg.PostgresDSN))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("api: %v", err)
	}
	log.Println("api stopped")
}
