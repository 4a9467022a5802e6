// Package client implements the consumer runtime.
//
//	Invoke ─► caller.Execute ─► consumer FilterChain
//	  tracing → metrics → logging → … → timeout → load-balance ─► send
//	                                                  │
//	         SessionPool.Ready(addr) ── or ── Offload(SessionPool.Get) ─► Session.Send
//
// Every callback of an invocation, the final one included, runs on the Executor
// the call was issued with. Blocking steps (discovery, dialing) run on the
// client's worker pool and resume on that Executor.
package client

import (
	"context"

	"github.com/rs/zerolog"

	"highway-rpc/codec"
	"highway-rpc/executor"
	"highway-rpc/filter"
	"highway-rpc/invocation"
	"highway-rpc/loadbalance"
	"highway-rpc/logx"
	"highway-rpc/registry"
	"highway-rpc/rpcerror"
	"highway-rpc/schema"
	"highway-rpc/transport"
)

type Client struct {
	opts      options
	instances *loadbalance.InstanceCache // watched instance lists, nil without a registry
	balancer  loadbalance.Balancer
	schemas   *schema.Cache
	sessions  *transport.SessionPool // multiplexed sessions for each producer address
	pool      *executor.WorkerPool
	chain     *filter.Chain
	log       zerolog.Logger
}

// NewClient creates a client resolving producers through reg and bal.
// A nil balancer picks round robin.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.schemas == nil {
		o.schemas = schema.NewCache(nil)
	}
	if bal == nil {
		bal = loadbalance.New("")
	}
	c := &Client{
		opts:     o,
		balancer: bal,
		schemas:  o.schemas,
		sessions: transport.NewSessionPool(o.poolSize, codec.HighwayCodec{}, o.dial, o.session),
		pool:     executor.NewWorkerPool(o.workers, o.workerQueue),
		log:      logx.With("client"),
	}
	if reg != nil {
		c.instances = loadbalance.NewInstanceCache(reg)
	}

	var terminal filter.Terminal = c.send
	if o.retries > 0 {
		terminal = filter.RetryTerminal(terminal, o.retries, o.retryDelay, o.retryable...)
	}
	c.chain = filter.NewBuilder().
		Register(
			filter.TracingFilter(),
			filter.MetricsFilter(),
			filter.LoggingFilter(o.slowThreshold),
			filter.TimeoutFilter(o.requestTimeout),
			filter.LoadBalanceFilter(c.instances, bal, c.pool),
		).
		Register(o.filters...).
		StallTimeout(o.stallTimeout).
		Build(terminal)
	c.log.Debug().Strs("filters", c.chain.Names()).Msg("client ready")
	return c
}

// Filters lists the consumer chain in execution order.
func (c *Client) Filters() []string { return c.chain.Names() }

// Invoke starts an asynchronous call of sig. cb is called exactly once, on caller.
// A nil caller runs the chain and cb on whatever goroutine completes each step.
func (c *Client) Invoke(ctx context.Context, caller executor.Executor, sig *schema.OperationSignature, args []any, cb func(*invocation.Response)) {
	if caller == nil {
		caller = executor.Inline
	}
	ws, err := c.schemas.Get(sig)
	if err != nil {
		caller.Execute(func() { cb(invocation.Failure(err)) })
		return
	}
	inv := invocation.New(invocation.Consumer, sig, ws, args, caller)
	for k, v := range attachmentsFrom(ctx) {
		inv.SetAttachment(k, v)
	}
	caller.Execute(func() {
		inv.Trace.Begin(invocation.StagePrepare)
		c.chain.Run(ctx, inv, cb)
	})
}

// Call invokes sig and waits for the result.
func (c *Client) Call(ctx context.Context, sig *schema.OperationSignature, args ...any) (any, error) {
	done := make(chan *invocation.Response, 1)
	c.Invoke(ctx, executor.Inline, sig, args, func(resp *invocation.Response) {
		done <- resp
	})
	resp := <-done
	if resp.Failed() {
		return nil, resp.Err
	}
	return resp.Value, nil
}

// send is the consumer chain's terminal.
func (c *Client) send(ctx context.Context, inv *invocation.Invocation, reply filter.Reply) {
	inv.Trace.End(invocation.StagePrepare)
	if inv.Endpoint == "" {
		reply(invocation.Failure(rpcerror.New(rpcerror.CodeUnavailable, "no endpoint for %s", inv.Name())))
		return
	}
	if s, ok := c.sessions.Ready(inv.Endpoint); ok {
		s.Send(inv, reply)
		return
	}
	addr := inv.Endpoint
	executor.Offload(c.pool, inv.Caller, func() (*transport.Session, error) {
		dialCtx := ctx
		if !inv.Deadline.IsZero() {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithDeadline(ctx, inv.Deadline)
			defer cancel()
		}
		return c.sessions.Get(dialCtx, addr)
	}, func(s *transport.Session, err error) {
		if err != nil {
			reply(invocation.Failure(err))
			return
		}
		s.Send(inv, reply)
	})
}

// Close closes every session, failing pending calls with CONNECTION_CLOSED.
// The registry is owned by the caller and stays open.
func (c *Client) Close() error {
	if c.instances != nil {
		c.instances.Close()
	}
	err := c.sessions.Close()
	c.pool.Close()
	return err
}

type attachmentsKey struct{}

// WithAttachment returns a context whose calls carry key=value to the producer.
func WithAttachment(ctx context.Context, key, value string) context.Context {
	prev := attachmentsFrom(ctx)
	next := make(map[string]string, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[key] = value
	return context.WithValue(ctx, attachmentsKey{}, next)
}

func attachmentsFrom(ctx context.Context) map[string]string {
	m, _ := ctx.Value(attachmentsKey{}).(map[string]string)
	return m
}
