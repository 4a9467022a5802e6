// Package server implements the producer runtime: operation registration, the
// producer filter chain, per-connection event loops and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one reader goroutine per connection)
//	  → conn's event loop: DecodeRequest → producer FilterChain
//	    → worker pool: Handler(ctx, args)
//	  → conn's event loop: EncodeResponse → writer queue → conn
//
// Everything an invocation does besides the handler runs on the event loop its
// connection is bound to, so filters never see concurrent callbacks for one call.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"highway-rpc/codec"
	"highway-rpc/executor"
	"highway-rpc/filter"
	"highway-rpc/invocation"
	"highway-rpc/logx"
	"highway-rpc/protocol"
	"highway-rpc/registry"
	"highway-rpc/rpcerror"
	"highway-rpc/schema"
	"highway-rpc/transport"
)

// Handler implements one operation. It runs on the worker pool, so it may block.
// args follow the signature's argument order; the returned value must match its result type.
type Handler func(ctx context.Context, args []any) (any, error)

type operation struct {
	sig     *schema.OperationSignature
	schema  *schema.WireSchema
	handler Handler
}

// Server is the RPC server that registers operations and handles incoming requests.
type Server struct {
	opts     options
	schemas  *schema.Cache
	ops      map[uint32]*operation // Registered operations by id, frozen once serving
	services map[string]struct{}
	filters  []filter.Filter
	chain    *filter.Chain

	loops    *executor.LoopGroup
	pool     *executor.WorkerPool
	codec    codec.HighwayCodec
	listener net.Listener
	conns    *xsync.MapOf[*serverConn, struct{}]
	wg       sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	mu       sync.Mutex
	serving  bool
	shutdown atomic.Bool
	log      zerolog.Logger

	registry      registry.Registry
	advertiseAddr string // Address registered in the registry, routable unlike ":8080"
}

// NewServer creates a server with the built-in producer filters (tracing, metrics,
// logging, timeout) already registered.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.schemas == nil {
		o.schemas = schema.NewCache(nil)
	}
	svr := &Server{
		opts:     o,
		schemas:  o.schemas,
		ops:      make(map[uint32]*operation),
		services: make(map[string]struct{}),
		conns:    xsync.NewMapOf[*serverConn, struct{}](),
		log:      logx.With("server"),
	}
	svr.filters = []filter.Filter{
		filter.TracingFilter(),
		filter.MetricsFilter(),
		filter.LoggingFilter(o.slowThreshold),
		filter.TimeoutFilter(0),
	}
	return svr
}

// Register binds handler to sig. The wire schema is built immediately: a signature
// that cannot be encoded fails here with SCHEMA_BUILD, before the server starts.
func (svr *Server) Register(sig *schema.OperationSignature, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("register %s: nil handler", sig.QualifiedName())
	}
	ws, err := svr.schemas.Get(sig)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.serving {
		return fmt.Errorf("register %s: server already serving", sig.QualifiedName())
	}
	if prev, ok := svr.ops[sig.ID]; ok {
		return rpcerror.SchemaBuild("operation id %d of %s already used by %s", sig.ID, sig.QualifiedName(), prev.sig.QualifiedName())
	}
	svr.ops[sig.ID] = &operation{sig: sig, schema: ws, handler: handler}
	svr.services[sig.Service] = struct{}{}
	return nil
}

// Use adds producer filters. The chain is frozen when serving starts.
func (svr *Server) Use(filters ...filter.Filter) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.filters = append(svr.filters, filters...)
}

// Serve listens on address and serves until Shutdown.
//
// Parameters:
//   - advertiseAddr: the address registered for every service (e.g. "127.0.0.1:8080").
//     It differs from the listen address because ":8080" is not routable.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", address, err)
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener serves connections accepted from listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	if svr.serving {
		svr.mu.Unlock()
		return errors.New("server already serving")
	}
	svr.serving = true
	svr.listener = listener
	// Build the chain once at startup, not per request.
	svr.chain = filter.NewBuilder().
		Register(svr.filters...).
		StallTimeout(svr.opts.stallTimeout).
		Build(svr.dispatch)
	svr.loops = executor.NewLoopGroup("server", svr.opts.eventLoops)
	svr.pool = executor.NewWorkerPool(svr.opts.workers, svr.opts.workerQueue)
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.mu.Unlock()

	if reg != nil {
		for serviceName := range svr.services {
			if err := reg.Register(serviceName, registry.ServiceInstance{Addr: advertiseAddr, Weight: svr.opts.weight}, svr.opts.registryTTL); err != nil {
				return fmt.Errorf("register %s: %w", serviceName, err)
			}
		}
	}
	svr.log.Info().
		Str("listen", listener.Addr().String()).
		Str("advertise", advertiseAddr).
		Strs("filters", svr.chain.Names()).
		Int("operations", len(svr.ops)).
		Msg("server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close() during Shutdown makes Accept fail.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address once serving.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// serverConn is one accepted connection bound to one event loop.
type serverConn struct {
	conn   net.Conn
	loop   *executor.EventLoop
	writer *transport.Writer
	once   sync.Once
}

func (sc *serverConn) close() {
	sc.once.Do(func() {
		sc.writer.Stop()
		_ = sc.conn.Close()
	})
}

// handleConn reads frames sequentially and hands each request to the connection's loop.
func (svr *Server) handleConn(conn net.Conn) {
	sc := &serverConn{conn: conn, loop: svr.loops.Next()}
	sc.writer = transport.NewWriter(conn, svr.opts.writeQueue, func(err error) {
		svr.log.Debug().Err(err).Str("endpoint", conn.RemoteAddr().String()).Msg("write failed, closing connection")
		sc.close()
	})
	svr.conns.Store(sc, struct{}{})
	defer func() {
		svr.conns.Delete(sc)
		sc.close()
	}()

	err := protocol.NewParser(svr.opts.maxPayload).ReadFrames(conn, func(h *protocol.Header, payload []byte) {
		if h.IsHeartbeat() {
			return
		}
		if h.IsResponse() {
			svr.log.Warn().Uint64("correlation_id", h.CorrelationID).Msg("response frame on producer connection dropped")
			return
		}
		if !svr.admit() {
			sc.writer.Enqueue(codec.ErrorFrame(h, rpcerror.New(rpcerror.CodeUnavailable, "server shutting down")))
			return
		}
		sc.loop.Execute(func() { svr.handleRequest(sc, h, payload) })
	})
	if errors.Is(err, rpcerror.ErrMalformedFrame) {
		svr.log.Error().Err(err).Str("endpoint", conn.RemoteAddr().String()).Msg("malformed frame, resetting connection")
	}
}

// admit counts a request as in flight unless shutdown has begun. The check and
// wg.Add happen under mu, which Shutdown holds while setting the flag, so no
// request is added once Shutdown waits.
func (svr *Server) admit() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

// handleRequest runs on the connection's loop.
func (svr *Server) handleRequest(sc *serverConn, h *protocol.Header, payload []byte) {
	op, ok := svr.ops[h.OpID]
	if !ok {
		svr.wg.Done()
		sc.writer.Enqueue(codec.ErrorFrame(h, rpcerror.New(rpcerror.CodeNotFound, "operation %d is not registered", h.OpID)))
		return
	}

	inv := invocation.New(invocation.Producer, op.sig, op.schema, nil, sc.loop)
	inv.Endpoint = sc.conn.RemoteAddr().String()
	inv.Trace.Begin(invocation.StageProviderDecode)
	args, attachments, err := svr.codec.DecodeRequest(h, payload, op.schema)
	inv.Trace.End(invocation.StageProviderDecode)
	if err != nil {
		svr.wg.Done()
		if errors.Is(err, rpcerror.ErrMalformedFrame) {
			svr.log.Error().Err(err).Str("endpoint", inv.Endpoint).Msg("malformed context block, resetting connection")
			sc.close()
			return
		}
		svr.log.Warn().Err(err).Str("operation", inv.Name()).Msg("undecodable request")
		sc.writer.Enqueue(codec.ErrorFrame(h, rpcerror.From(err)))
		return
	}
	inv.Args = args
	inv.Context = attachments

	svr.chain.Run(context.Background(), inv, func(resp *invocation.Response) {
		defer svr.wg.Done()
		inv.Trace.Begin(invocation.StageProviderEncode)
		frame := svr.codec.EncodeResponse(h, op.schema, resp)
		inv.Trace.End(invocation.StageProviderEncode)
		inv.Trace.Begin(invocation.StageProviderSend)
		if !sc.writer.Enqueue(frame) {
			svr.log.Warn().Str("operation", inv.Name()).Str("endpoint", inv.Endpoint).Msg("reply dropped, connection gone or write queue full")
		}
		inv.Trace.End(invocation.StageProviderSend)
	})
}

// dispatch is the producer chain's terminal: it offloads the handler to the
// worker pool and resumes on the invocation's loop with the result.
func (svr *Server) dispatch(ctx context.Context, inv *invocation.Invocation, reply filter.Reply) {
	op := svr.ops[inv.Operation.ID]
	ctx = invocation.NewContext(ctx, inv)
	inv.Trace.Begin(invocation.StageExecute)
	executor.Offload(svr.pool, inv.Caller, func() (v any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = rpcerror.New(rpcerror.CodeInternal, "handler %s panicked: %v", inv.Name(), p)
			}
		}()
		if !inv.Deadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, inv.Deadline)
			defer cancel()
		}
		return op.handler(ctx, inv.Args)
	}, func(v any, err error) {
		inv.Trace.End(invocation.StageExecute)
		if inv.Expired(time.Now()) {
			reply(invocation.Failure(rpcerror.Timeout("%s finished after its deadline", inv.Name())))
			return
		}
		if err != nil {
			reply(invocation.Failure(err))
			return
		}
		reply(invocation.Success(v))
	})
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag so the Accept error is recognized as intentional
//  2. Deregister all services (consumers stop routing to this server)
//  3. Close the listener
//  4. Wait for in-flight requests, at most timeout
//  5. Close connections, loops and the worker pool
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	if !svr.shutdown.CompareAndSwap(false, true) {
		svr.mu.Unlock()
		return nil
	}
	reg, advertise := svr.registry, svr.advertiseAddr
	listener, loops, pool := svr.listener, svr.loops, svr.pool
	svr.mu.Unlock()

	if reg != nil {
		for serviceName := range svr.services {
			if err := reg.Deregister(serviceName, advertise); err != nil {
				svr.log.Warn().Err(err).Str("service", serviceName).Msg("deregister failed")
			}
		}
	}
	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.conns.Range(func(sc *serverConn, _ struct{}) bool {
		sc.close()
		return true
	})
	if loops != nil {
		loops.Stop()
	}
	if pool != nil && err == nil {
		pool.Close()
	}
	svr.log.Info().Msg("server stopped")
	return err
}
