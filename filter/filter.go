// Package filter implements the asynchronous, priority-ordered filter chain every
// invocation passes through on both the consumer and the producer side.
//
//	Run ─► f(10) ─next─► f(20) ─next─► f(30) ─next─► terminal
//	         ▲             ▲             ▲               │
//	done ◄─reply◄────────reply◄────────reply◄──────────reply
//
// A filter may continue (next), short-circuit (reply without next) or transform the
// reply on its way back (next(func(r) { reply(modify(r)) })). next and reply are each
// single-use; a second call is a chain defect, logged and ignored. Nothing in the
// chain blocks: a filter that needs to wait arranges a callback and returns.
package filter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"highway-rpc/invocation"
	"highway-rpc/logx"
	"highway-rpc/metrics"
	"highway-rpc/rpcerror"
)

// Reply delivers a response one stage upstream.
type Reply func(resp *invocation.Response)

// Next continues with the downstream filters. onReply receives their response;
// nil means "pass it straight through to my own reply".
type Next func(onReply Reply)

// Filter is one interception point of the chain.
type Filter interface {
	Name() string
	// Priority orders the chain: lower runs first. Ties keep registration order.
	Priority() int
	OnFilter(ctx context.Context, inv *invocation.Invocation, next Next, reply Reply)
}

// Terminal is the innermost stage: the transport send on the consumer side,
// the business handler on the producer side. It must call reply exactly once.
type Terminal func(ctx context.Context, inv *invocation.Invocation, reply Reply)

// DefaultStallTimeout bounds how long a filter may hold an invocation without
// calling next or reply.
const DefaultStallTimeout = 30 * time.Second

// Builder collects filters and freezes them into a Chain.
type Builder struct {
	filters      []Filter
	stallTimeout time.Duration
}

func NewBuilder() *Builder {
	return &Builder{stallTimeout: DefaultStallTimeout}
}

// Register adds filters in registration order.
func (b *Builder) Register(filters ...Filter) *Builder {
	for _, f := range filters {
		if f != nil {
			b.filters = append(b.filters, f)
		}
	}
	return b
}

// StallTimeout overrides DefaultStallTimeout; d <= 0 disables the stall guard.
func (b *Builder) StallTimeout(d time.Duration) *Builder {
	b.stallTimeout = d
	return b
}

// Build sorts the filters by ascending priority (stable) and binds terminal.
// The resulting chain is immutable and safe for concurrent Run calls.
func (b *Builder) Build(terminal Terminal) *Chain {
	filters := append([]Filter(nil), b.filters...)
	sort.SliceStable(filters, func(i, j int) bool {
		return filters[i].Priority() < filters[j].Priority()
	})
	return &Chain{filters: filters, terminal: terminal, stallTimeout: b.stallTimeout}
}

// Chain is an ordered, immutable filter sequence ending in a terminal.
type Chain struct {
	filters      []Filter
	terminal     Terminal
	stallTimeout time.Duration
}

// Names lists the filters in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

// Run drives inv through the chain. onComplete is called at most once, with the
// response that won the invocation's result slot.
func (c *Chain) Run(ctx context.Context, inv *invocation.Invocation, onComplete Reply) {
	r := &run{chain: c, ctx: ctx, inv: inv, onComplete: onComplete}
	r.invoke(0, r.finish)
}

// run is the state of one invocation's pass through a chain.
type run struct {
	chain      *Chain
	ctx        context.Context
	inv        *invocation.Invocation
	onComplete Reply

	mu      sync.Mutex
	gen     uint64
	stage   string
	waiting string // What the stalled stage failed to do
	timer   *time.Timer
}

func (r *run) finish(resp *invocation.Response) {
	r.disarm()
	if r.inv.Complete(resp) && r.onComplete != nil {
		r.onComplete(resp)
	}
}

func (r *run) invoke(i int, reply Reply) {
	if i == len(r.chain.filters) {
		// From here the transport's own deadline handling owns the invocation.
		r.disarm()
		r.safely("terminal", reply, func() {
			r.chain.terminal(r.ctx, r.inv, reply)
		})
		return
	}

	f := r.chain.filters[i]
	upstream := r.once(f.Name(), "reply", reply)
	var nextCalled atomic.Bool
	next := func(onReply Reply) {
		if !nextCalled.CompareAndSwap(false, true) {
			r.defect("double_next", f.Name(), "filter called next more than once")
			return
		}
		if r.inv.Done() {
			// Already completed, e.g. forced to TIMEOUT by the stall guard.
			return
		}
		if onReply == nil {
			r.invoke(i+1, r.once(f.Name(), "onReply", upstream))
			return
		}
		r.invoke(i+1, r.once(f.Name(), "onReply", func(resp *invocation.Response) {
			// The filter holds the invocation again until it calls reply.
			r.arm(f.Name(), "filter received a response but never replied")
			r.safely(f.Name(), upstream, func() { onReply(resp) })
		}))
	}

	r.arm(f.Name(), "filter neither replied nor called next")
	r.safely(f.Name(), upstream, func() {
		f.OnFilter(r.ctx, r.inv, next, upstream)
	})
}

// once guards a reply so it is delivered at most once.
func (r *run) once(stage, what string, reply Reply) Reply {
	var called atomic.Bool
	return func(resp *invocation.Response) {
		if !called.CompareAndSwap(false, true) {
			r.defect("double_reply", stage, what+" called more than once")
			return
		}
		r.disarm()
		reply(resp)
	}
}

// safely converts a panic in fn into a failed response.
func (r *run) safely(stage string, reply Reply, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logx.Log.Error().
				Uint64("invocation", r.inv.ID).
				Str("operation", r.inv.Name()).
				Str("stage", stage).
				Interface("panic", p).
				Msg("filter chain stage panicked")
			reply(invocation.Failure(rpcerror.New(rpcerror.CodeInternal, "%s panicked: %v", stage, p)))
		}
	}()
	fn()
}

func (r *run) defect(kind, stage, msg string) {
	metrics.Defect(kind)
	logx.Log.Error().
		Uint64("invocation", r.inv.ID).
		Str("operation", r.inv.Name()).
		Str("role", r.inv.Role.String()).
		Str("stage", stage).
		Str("code", string(rpcerror.CodeFilterChainDefect)).
		Msg(msg)
}

// arm starts the stall guard for the filter now holding the invocation.
func (r *run) arm(stage, waiting string) {
	d := r.chain.stallTimeout
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.stage = stage
	r.waiting = waiting
	r.timer = time.AfterFunc(d, func() { r.stalled(gen) })
}

func (r *run) disarm() {
	if r.chain.stallTimeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.stage = ""
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *run) stalled(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.stage == "" {
		r.mu.Unlock()
		return
	}
	stage, waiting := r.stage, r.waiting
	r.stage = ""
	r.mu.Unlock()

	if r.inv.Done() {
		return
	}
	r.defect("stall", stage, fmt.Sprintf("%s within %s", waiting, r.chain.stallTimeout))
	resp := invocation.Failure(rpcerror.Timeout("filter %s stalled", stage))
	if r.inv.Complete(resp) && r.onComplete != nil {
		r.inv.Caller.Execute(func() { r.onComplete(resp) })
	}
}
