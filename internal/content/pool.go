package content

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/learnd/internal/logger"
)

// Pool runs a fixed number of workers that share one wakeup channel.
type Pool struct {
	workers []*Worker
	wake    <-chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates n workers (at least one) with process-unique ids so their
// claims never collide with another process sharing the database.
func NewPool(n int, store JobStore, deps Deps, wake <-chan struct{}, pollInterval, jobTimeout time.Duration, log *logger.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	instance := uuid.NewString()[:8]
	p := &Pool{wake: wake}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, NewWorker(fmt.Sprintf("%s-%d", instance, i), store, deps, pollInterval, jobTimeout, log))
	}
	return p
}

// Start launches the workers. They stop claiming when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx, p.wake)
		}()
	}
}

// Wait blocks until every worker has returned, including any job that was
// in flight when ctx was cancelled.
func (p *Pool) Wait() {
	p.wg.Wait()
}
