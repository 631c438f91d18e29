// Package dispatcher fans a fixed batch of tasks out to a bounded worker pool.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/metrics"
	"github.com/pearswick/dumpany/internal/queue/memory"
)

const defaultSize = 5

// Pool runs a handler over a batch with a bounded number of tasks in flight.
type Pool[T, R any] struct {
	size    int
	handler func(ctx context.Context, task T) R
	logger  *zap.Logger
}

// New creates a Pool. handler processes one task and reports failure through
// its result. A non-positive size selects 5.
func New[T, R any](size int, handler func(ctx context.Context, task T) R, logger *zap.Logger) *Pool[T, R] {
	if size <= 0 {
		size = defaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T, R]{size: size, handler: handler, logger: logger}
}

// Run processes tasks and blocks until every task has produced a result or
// ctx ends. onResult is invoked from the calling goroutine, once per result,
// in completion order. Run returns the number of results delivered.
func (p *Pool[T, R]) Run(ctx context.Context, tasks []T, onResult func(R)) int {
	if len(tasks) == 0 {
		return 0
	}
	queue := memory.NewQueue[T](p.size)
	results := make(chan R)

	go func() {
		defer queue.Close()
		for i, task := range tasks {
			if err := queue.Enqueue(ctx, task); err != nil {
				p.logger.Warn("dispatch stopped before all tasks were queued",
					zap.Int("queued", i),
					zap.Int("total", len(tasks)),
					zap.Error(err),
				)
				return
			}
		}
	}()

	workers := min(p.size, len(tasks))
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			p.work(ctx, queue, results)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	delivered := 0
	for r := range results {
		delivered++
		if onResult != nil {
			onResult(r)
		}
	}
	return delivered
}

func (p *Pool[T, R]) work(ctx context.Context, queue *memory.Queue[T], results chan<- R) {
	for {
		task, err := queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, memory.ErrClosed) {
				p.logger.Debug("worker stopping", zap.Error(err))
			}
			return
		}
		metrics.IncActiveWorkers()
		r := p.handler(ctx, task)
		metrics.DecActiveWorkers()
		results <- r
	}
}
