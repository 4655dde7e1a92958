package worker

import (
	"context"
	"log"
	"time"

	"query-offload-service/internal/service"
)

type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
}

func NewPool(queue service.Queue, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
	}
}

func (p *Pool) Run(ctx context.Context) {
	log.Printf("[pool] started workers=%d", p.workers)

	jobCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for jobID := range jobCh {
				if err := p.processor.Process(ctx, jobID); err != nil {
					log.Printf("[worker-%d] job_id=%s process error=%v", n, jobID, err)
				}

				// Ack regardless: the job's state in the tracker is already
				// terminal or requeued. If Process died before any update,
				// the lease sweep brings the id back.
				if ackErr := p.queue.Ack(ctx, jobID); ackErr != nil {
					log.Printf("[worker-%d] job_id=%s ack error=%v", n, jobID, ackErr)
				}
			}
		}(i + 1)
	}

	// Listener: atomically claim from queue -> processing, fan out.
	for {
		select {
		case <-ctx.Done():
			close(jobCh)
			log.Println("[pool] stopped")
			return
		default:
			jobID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout/redis.Nil/ctx cancel — nothing claimable right now
				continue
			}
			select {
			case jobCh <- jobID:
			case <-ctx.Done():
				close(jobCh)
				return
			}
		}
	}
}
