package executor

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"highway-rpc/logx"
	"highway-rpc/rpcerror"
)

// WorkerPool runs blocking tasks on a fixed set of goroutines fed by a bounded queue.
type WorkerPool struct {
	tasks  chan func()
	group  errgroup.Group
	mu     sync.RWMutex // Guards closed against Submit racing Close
	closed bool
}

// NewWorkerPool starts workers goroutines with a queue of queueSize tasks.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &WorkerPool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

func (p *WorkerPool) work() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	task()
}

// Submit queues task without blocking. A full queue or closed pool returns UNAVAILABLE.
func (p *WorkerPool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return rpcerror.New(rpcerror.CodeUnavailable, "worker pool closed")
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return rpcerror.New(rpcerror.CodeUnavailable, "worker queue full (%d tasks)", cap(p.tasks))
	}
}

// Execute makes the pool usable as an Executor. A task the pool rejects runs on
// the submitting goroutine instead of being dropped.
func (p *WorkerPool) Execute(task func()) {
	if err := p.Submit(task); err != nil {
		logx.Log.Debug().Err(err).Msg("worker pool rejected task, running inline")
		p.run(task)
	}
}

// Close stops accepting tasks, lets the queue drain and waits for the workers.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	_ = p.group.Wait()
}

// Offload runs work on pool and delivers its result through caller.
// If the pool rejects the task, done receives the rejection on caller directly.
// A nil pool runs work on a fresh goroutine.
func Offload[T any](pool *WorkerPool, caller Executor, work func() (T, error), done func(T, error)) {
	if caller == nil {
		caller = Inline
	}
	task := func() {
		v, err := work()
		caller.Execute(func() { done(v, err) })
	}
	if pool == nil {
		go task()
		return
	}
	err := pool.Submit(task)
	if err != nil {
		var zero T
		caller.Execute(func() { done(zero, err) })
	}
}
