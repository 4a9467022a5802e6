// Package executor provides the threads invocations run on.
//
// Every invocation carries the Executor of its caller. Replies, retries and
// timeouts are delivered back through it, so a caller's code always runs on the
// context it started on:
//
//	caller loop ──Execute──► filters ──► send ─┐
//	                                           │ (network)
//	I/O reader ── frame ──► caller.Execute(onReply)
//
// Blocking work (dialing, discovery, business handlers) is offloaded to a
// WorkerPool and its result marshaled back through the caller's Executor.
package executor

import (
	"strconv"
	"sync"
	"sync/atomic"

	"highway-rpc/logx"
)

// Executor runs tasks. Implementations must never block the submitting goroutine for long.
type Executor interface {
	Execute(task func())
}

type inline struct{}

func (inline) Execute(task func()) { task() }

// Inline runs tasks immediately on the calling goroutine.
var Inline Executor = inline{}

// EventLoop is a single goroutine draining an unbounded FIFO of tasks.
// Tasks submitted to one loop run in submission order and never concurrently.
type EventLoop struct {
	name    string
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	exited  bool
	done    chan struct{}
}

// NewEventLoop starts a loop.
func NewEventLoop(name string) *EventLoop {
	l := &EventLoop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *EventLoop) Name() string { return l.name }

// Execute enqueues task. It never blocks. Tasks submitted while Stop drains the
// queue still run on the loop; once the loop has exited they run on the
// submitting goroutine, so a completion handed to a stopped loop is never lost.
func (l *EventLoop) Execute(task func()) {
	l.mu.Lock()
	if l.exited {
		l.mu.Unlock()
		logx.Log.Debug().Str("loop", l.name).Msg("event loop stopped, running task inline")
		l.runTask(task)
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (l *EventLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		if len(batch) == 0 && l.stopped {
			l.exited = true
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		if len(batch) == 0 {
			<-l.wake
			continue
		}
		for _, task := range batch {
			l.runTask(task)
		}
	}
}

func (l *EventLoop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Str("loop", l.name).Interface("panic", r).Msg("event loop task panicked")
		}
	}()
	task()
}

// Stop lets the loop drain queued tasks and exit. It waits for the exit, so it
// must not be called from a task of the same loop.
func (l *EventLoop) Stop() {
	l.mu.Lock()
	already := l.stopped
	l.stopped = true
	l.mu.Unlock()
	if !already {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	<-l.done
}

// LoopGroup is a fixed set of event loops handed out round robin.
type LoopGroup struct {
	loops []*EventLoop
	next  atomic.Uint64
}

// NewLoopGroup starts n loops (at least one).
func NewLoopGroup(name string, n int) *LoopGroup {
	if n < 1 {
		n = 1
	}
	g := &LoopGroup{loops: make([]*EventLoop, n)}
	for i := range g.loops {
		g.loops[i] = NewEventLoop(name + "-" + strconv.Itoa(i))
	}
	return g
}

// Next returns the next loop in round-robin order.
func (g *LoopGroup) Next() *EventLoop {
	i := g.next.Add(1) - 1
	return g.loops[i%uint64(len(g.loops))]
}

func (g *LoopGroup) Size() int { return len(g.loops) }

// Stop stops every loop.
func (g *LoopGroup) Stop() {
	for _, l := range g.loops {
		l.Stop()
	}
}
