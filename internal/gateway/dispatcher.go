package gateway

import (
	"context"
	"sync"

	"github.com/stellarlinkco/yuno/internal/logging"
)

// dispatcher runs tasks serially per key and concurrently across keys. A
// key's goroutine exits once its queue drains.
type dispatcher struct {
	mu     sync.Mutex
	queues map[string][]func(ctx context.Context) error
	wg     sync.WaitGroup
}

func newDispatcher() *dispatcher {
	return &dispatcher{queues: make(map[string][]func(ctx context.Context) error)}
}

// Submit queues task behind every earlier task for key.
func (d *dispatcher) Submit(ctx context.Context, key string, task func(ctx context.Context) error) {
	d.mu.Lock()
	q, running := d.queues[key]
	d.queues[key] = append(q, task)
	d.mu.Unlock()

	if running {
		return
	}
	d.wg.Add(1)
	go d.drain(ctx, key)
}

func (d *dispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.run(ctx, key, task)
	}
}

func (d *dispatcher) run(ctx context.Context, key string, task func(ctx context.Context) error) {
	logger := logging.From(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in dispatched task", "component", "gateway", "key", key, "panic", r)
		}
	}()
	if err := task(ctx); err != nil {
		logError(logger, "dispatched task failed", err, "key", key)
	}
}

// Wait blocks until every queued task has run.
func (d *dispatcher) Wait() {
	d.wg.Wait()
}
