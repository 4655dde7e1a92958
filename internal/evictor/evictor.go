package evictor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// GenerationStore is the result-store port the eviction cycle drives.
type GenerationStore interface {
	AdvanceGeneration(ctx context.Context) (old, next int64, err error)
	BulkDiscard(ctx context.Context, gen int64) error
}

// JobExpirer stamps jobs of a wiped generation as expired for retrieval.
type JobExpirer interface {
	MarkGenerationExpired(ctx context.Context, generation int64) (int64, error)
}

// Evictor runs the scheduled whole-store reset: allocate the next generation,
// redirect writes to it, discard the retired generation in bulk and expire
// its jobs. It never surfaces errors to callers; a Fetch against a wiped
// generation simply reports not found.
type Evictor struct {
	store    GenerationStore
	repo     JobExpirer
	schedule string
}

func New(store GenerationStore, repo JobExpirer, schedule string) (*Evictor, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", schedule, err)
	}
	return &Evictor{store: store, repo: repo, schedule: schedule}, nil
}

// Start runs the cycle on the configured cron schedule until ctx is done.
func (e *Evictor) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(e.schedule, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := e.RunOnce(runCtx); err != nil {
			log.Printf("[evictor] cycle error=%v", err)
		}
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce performs one eviction cycle. The generation swap gate inside the
// store guarantees no materialization is in flight against the old
// generation once AdvanceGeneration returns.
func (e *Evictor) RunOnce(ctx context.Context) error {
	start := time.Now()

	old, next, err := e.store.AdvanceGeneration(ctx)
	if err != nil {
		return fmt.Errorf("advance generation: %w", err)
	}
	log.Printf("[evictor] generation advanced old=%d next=%d", old, next)

	if err := e.store.BulkDiscard(ctx, old); err != nil {
		return fmt.Errorf("discard generation %d: %w", old, err)
	}

	expired, err := e.repo.MarkGenerationExpired(ctx, old)
	if err != nil {
		return fmt.Errorf("expire jobs of generation %d: %w", old, err)
	}

	log.Printf("[evictor] cycle done generation=%d expired_jobs=%d duration_ms=%d",
		old, expired, time.Since(start).Milliseconds())
	return nil
}
