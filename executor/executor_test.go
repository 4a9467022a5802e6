package executor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"highway-rpc/rpcerror"
)

func TestEventLoopOrdering(t *testing.T) {
	l := NewEventLoop("test")
	defer l.Stop()

	const n = 1000
	var (
		mu   sync.Mutex
		got  []int
		wg   sync.WaitGroup
		busy atomic.Int32
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		l.Execute(func() {
			defer wg.Done()
			if busy.Add(1) != 1 {
				t.Errorf("tasks of one loop ran concurrently")
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			busy.Add(-1)
		})
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestEventLoopSurvivesPanic(t *testing.T) {
	l := NewEventLoop("panic")
	defer l.Stop()

	done := make(chan struct{})
	l.Execute(func() { panic("boom") })
	l.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after a panicking task")
	}
}

func TestEventLoopStopDrains(t *testing.T) {
	l := NewEventLoop("drain")
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		l.Execute(func() { ran.Add(1) })
	}
	l.Stop()
	if ran.Load() != 10 {
		t.Fatalf("expect 10 tasks drained, got %d", ran.Load())
	}
}

func TestEventLoopStoppedRunsInline(t *testing.T) {
	l := NewEventLoop("stopped")
	l.Stop()

	ran := false
	l.Execute(func() { ran = true })
	if !ran {
		t.Fatal("expect a task submitted after stop to run on the caller")
	}
}

func TestEventLoopStopKeepsTasksQueuedDuringDrain(t *testing.T) {
	l := NewEventLoop("requeue")
	var ran atomic.Int32
	l.Execute(func() {
		time.Sleep(5 * time.Millisecond)
		l.Execute(func() { ran.Add(1) })
	})
	l.Stop()
	if ran.Load() != 1 {
		t.Fatalf("expect the task queued while draining to run, got %d", ran.Load())
	}
}

func TestWorkerPoolExecuteAfterClose(t *testing.T) {
	p := NewWorkerPool(1, 1)
	p.Close()

	ran := false
	p.Execute(func() { ran = true })
	if !ran {
		t.Fatal("expect a rejected task to run on the caller")
	}
}

func TestLoopGroupRoundRobin(t *testing.T) {
	g := NewLoopGroup("rr", 3)
	defer g.Stop()
	first := g.Next()
	g.Next()
	g.Next()
	if g.Next() != first {
		t.Fatal("expect the fourth pick to wrap around to the first loop")
	}
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	p := NewWorkerPool(1, 1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(func() { close(started); <-block }); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-started
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("queue slot should be free: %v", err)
	}
	err := p.Submit(func() {})
	if !errors.Is(err, rpcerror.ErrUnavailable) {
		t.Fatalf("expect UNAVAILABLE, got %v", err)
	}
	close(block)
}

type countingExecutor struct {
	inner Executor
	n     atomic.Int32
}

func (c *countingExecutor) Execute(task func()) {
	c.n.Add(1)
	c.inner.Execute(task)
}

func TestOffloadReturnsOnCaller(t *testing.T) {
	p := NewWorkerPool(2, 8)
	defer p.Close()
	l := NewEventLoop("caller")
	defer l.Stop()
	caller := &countingExecutor{inner: l}

	result := make(chan int, 1)
	l.Execute(func() {
		Offload(p, caller, func() (int, error) {
			return 42, nil
		}, func(v int, err error) {
			result <- v
		})
	})

	select {
	case v := <-result:
		if v != 42 {
			t.Fatalf("expect 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("offloaded result never delivered")
	}
	if caller.n.Load() != 1 {
		t.Fatalf("expect done delivered through the caller once, got %d", caller.n.Load())
	}
}

func TestOffloadRejected(t *testing.T) {
	p := NewWorkerPool(1, 0)
	p.Close()
	var gotErr error
	Offload(p, Inline, func() (string, error) { return "never", nil }, func(_ string, err error) {
		gotErr = err
	})
	if !errors.Is(gotErr, rpcerror.ErrUnavailable) {
		t.Fatalf("expect UNAVAILABLE, got %v", gotErr)
	}
}
