package worker

import (
	"context"
	"sync"
)

// Task represents a unit of work for the worker pool. Process receives
// the pool's context so long-running tasks stop on shutdown.
type Task interface {
	Process(ctx context.Context) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Process(ctx context.Context) error { return f(ctx) }

// Pool manages a fixed set of worker goroutines draining a bounded
// task queue. Tasks that keep failing end up in the dead-letter list.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workers  int
	tasks    chan Task
	queueCap int

	maxRetries   int
	deadLetter   []Task
	deadLetterMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
}

// PoolStats holds monitoring information about the worker pool.
type PoolStats struct {
	Workers     int
	QueueLength int
	DeadLetters int
}

// NewPool creates a pool with the given number of workers and queue
// capacity. Workers do not run until Start.
func NewPool(workers, queueCap int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueCap < 1 {
		queueCap = 16
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:        ctx,
		cancel:     cancel,
		workers:    workers,
		tasks:      make(chan Task, queueCap),
		queueCap:   queueCap,
		maxRetries: 3,
	}
}

// Start launches the worker goroutines. Safe to call once.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.workerLoop()
		}
	})
}

// Stop signals all workers to exit and waits for them to finish.
// Queued tasks that have not started are dropped. The task channel is
// never closed, so a Submit racing Stop fails instead of panicking.
func (p *Pool) Stop() {
	p.stopOnce.Do(p.cancel)
	p.wg.Wait()
}

// Submit adds a task to the queue. Returns false when the queue is
// full or the pool is stopped.
func (p *Pool) Submit(task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *Pool) workerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.processWithRetry(task)
		}
	}
}

// processWithRetry runs a task, retrying up to maxRetries, then moves
// it to the dead-letter list.
func (p *Pool) processWithRetry(task Task) {
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if p.ctx.Err() != nil {
			return
		}
		if err := task.Process(p.ctx); err == nil {
			return
		}
	}

	p.deadLetterMu.Lock()
	p.deadLetter = append(p.deadLetter, task)
	p.deadLetterMu.Unlock()
}

// DeadLetterCount returns the number of tasks that exhausted their
// retries.
func (p *Pool) DeadLetterCount() int {
	p.deadLetterMu.Lock()
	defer p.deadLetterMu.Unlock()
	return len(p.deadLetter)
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Stats returns current statistics about the worker pool.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:     p.workers,
		QueueLength: len(p.tasks),
		DeadLetters: p.DeadLetterCount(),
	}
}
