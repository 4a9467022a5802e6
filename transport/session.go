// Package transport implements the consumer side of a connection: request
// correlation, timeouts and context-affine reply delivery.
//
// A Session multiplexes concurrent invocations over one connection. Each request
// gets a correlation id and a pending entry; the reader goroutine routes replies
// back by id and hands them to the invocation's caller context.
//
//	caller-1 ──Send(id=1)──┐                ┌── writer goroutine ──► conn
//	caller-2 ──Send(id=2)──┼─► pending map ─┤
//	caller-3 ──Send(id=3)──┘                └── recvLoop ◄── conn
//	                                              │ reply(id=2)
//	                                              ▼
//	                         caller-2.Execute(onReply(resp))
//
// A pending entry is completed exactly once. Reply, sweep and connection loss all
// race to claim it; the loser does nothing.
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"highway-rpc/invocation"
	"highway-rpc/logx"
	"highway-rpc/metrics"
	"highway-rpc/protocol"
	"highway-rpc/rpcerror"
)

// FrameCodec is the part of the codec a consumer session needs.
type FrameCodec interface {
	EncodeRequest(inv *invocation.Invocation, correlationID uint64) ([]byte, error)
	DecodeResponse(inv *invocation.Invocation, h *protocol.Header, payload []byte) *invocation.Response
}

// Options tune a Session. Zero values take the defaults below.
type Options struct {
	WriteQueue        int           // Frames waiting for the writer
	SweepInterval     time.Duration // How often past-deadline entries are failed
	HeartbeatInterval time.Duration // Keepalive period; negative disables heartbeats
	MaxPayload        int
}

const (
	DefaultWriteQueue        = 1024
	DefaultSweepInterval     = 100 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.WriteQueue <= 0 {
		o.WriteQueue = DefaultWriteQueue
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MaxPayload == 0 {
		o.MaxPayload = protocol.DefaultMaxPayload
	}
	return o
}

// pendingCall is one request waiting for its reply.
type pendingCall struct {
	inv      *invocation.Invocation
	onReply  func(*invocation.Response)
	deadline time.Time
	claimed  atomic.Bool
}

// claim reports whether the caller won the right to complete the call.
func (c *pendingCall) claim() bool {
	return c.claimed.CompareAndSwap(false, true)
}

// expired reports whether the call's deadline is at or before now.
func (c *pendingCall) expired(now time.Time) bool {
	return !c.deadline.IsZero() && !now.Before(c.deadline)
}

func (c *pendingCall) timeoutError() error {
	return rpcerror.Timeout("%s got no reply within %s", c.inv.Name(), c.deadline.Sub(c.inv.Created))
}

// Session is one consumer connection.
type Session struct {
	conn    net.Conn
	codec   FrameCodec
	opts    Options
	writer  *Writer
	pending *xsync.MapOf[uint64, *pendingCall]
	nextID  atomic.Uint64
	log     zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewSession takes ownership of conn and starts the reader, writer, sweep and heartbeat goroutines.
func NewSession(conn net.Conn, codec FrameCodec, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		conn:    conn,
		codec:   codec,
		opts:    opts,
		pending: xsync.NewMapOf[uint64, *pendingCall](),
		log:     logx.With("session").With().Str("endpoint", conn.RemoteAddr().String()).Logger(),
		done:    make(chan struct{}),
	}
	s.writer = NewWriter(conn, opts.WriteQueue, func(err error) { s.closeWithError(err) })
	metrics.SessionOpened()
	go s.recvLoop()
	go s.sweepLoop()
	if opts.HeartbeatInterval > 0 {
		go s.heartbeatLoop(opts.HeartbeatInterval)
	}
	return s
}

// Send writes inv as a request frame. onReply is called exactly once, always
// through inv.Caller: with the reply, a TIMEOUT from the sweep, or a failure.
func (s *Session) Send(inv *invocation.Invocation, onReply func(*invocation.Response)) {
	if s.closed.Load() {
		s.deliver(inv, onReply, invocation.Failure(s.closedError()))
		return
	}
	id := s.nextID.Add(1)

	inv.Trace.Begin(invocation.StageConsumerEncode)
	frame, err := s.codec.EncodeRequest(inv, id)
	inv.Trace.End(invocation.StageConsumerEncode)
	if err != nil {
		s.deliver(inv, onReply, invocation.Failure(err))
		return
	}

	call := &pendingCall{inv: inv, onReply: onReply, deadline: inv.Deadline}
	inv.Trace.Begin(invocation.StageWait)
	s.pending.Store(id, call)
	metrics.PendingInc()

	// Close may have drained the map between the check above and Store.
	if s.closed.Load() {
		s.fail(id, s.closedError())
		return
	}

	inv.Trace.Begin(invocation.StageConsumerSend)
	ok := s.writer.Enqueue(frame)
	inv.Trace.End(invocation.StageConsumerSend)
	if !ok {
		if s.closed.Load() {
			s.fail(id, s.closedError())
		} else {
			s.fail(id, rpcerror.New(rpcerror.CodeUnavailable, "write queue of %s full", s.conn.RemoteAddr()))
		}
		return
	}
}

// OnFrameReceived routes one inbound frame. Heartbeats are ignored; replies for
// unknown or already completed ids are dropped.
func (s *Session) OnFrameReceived(h *protocol.Header, payload []byte) {
	if h.IsHeartbeat() {
		return
	}
	if !h.IsResponse() {
		s.log.Warn().Uint64("correlation_id", h.CorrelationID).Msg("request frame on consumer session dropped")
		return
	}
	call, ok := s.pending.LoadAndDelete(h.CorrelationID)
	if !ok || !call.claim() {
		s.log.Debug().Uint64("correlation_id", h.CorrelationID).Msg("reply for unknown or completed request dropped")
		return
	}
	metrics.PendingDec()
	inv := call.inv
	inv.Trace.End(invocation.StageWait)
	// A reply that lands after the deadline but before the next sweep is still late.
	if call.expired(time.Now()) {
		metrics.TimeoutSwept()
		s.log.Debug().
			Uint64("correlation_id", h.CorrelationID).
			Str("operation", inv.Name()).
			Msg("reply arrived after the deadline")
		s.deliver(inv, call.onReply, invocation.Failure(call.timeoutError()))
		return
	}
	inv.Caller.Execute(func() {
		inv.Trace.Begin(invocation.StageConsumerDecode)
		resp := s.codec.DecodeResponse(inv, h, payload)
		inv.Trace.End(invocation.StageConsumerDecode)
		call.onReply(resp)
	})
}

// Sweep fails every entry whose deadline is at or before now with TIMEOUT and
// returns how many it failed.
func (s *Session) Sweep(now time.Time) int {
	swept := 0
	s.pending.Range(func(id uint64, call *pendingCall) bool {
		if !call.expired(now) {
			return true
		}
		if !call.claim() {
			return true
		}
		s.pending.Delete(id)
		metrics.PendingDec()
		metrics.TimeoutSwept()
		swept++
		s.log.Debug().
			Uint64("correlation_id", id).
			Str("operation", call.inv.Name()).
			Msg("request timed out")
		s.deliver(call.inv, call.onReply, invocation.Failure(call.timeoutError()))
		return true
	})
	return swept
}

// fail completes a single entry if nobody else has.
func (s *Session) fail(id uint64, err error) {
	call, ok := s.pending.LoadAndDelete(id)
	if !ok || !call.claim() {
		return
	}
	metrics.PendingDec()
	s.deliver(call.inv, call.onReply, invocation.Failure(err))
}

func (s *Session) deliver(inv *invocation.Invocation, onReply func(*invocation.Response), resp *invocation.Response) {
	inv.Caller.Execute(func() { onReply(resp) })
}

// recvLoop continuously reads frames and routes them until the connection fails.
func (s *Session) recvLoop() {
	err := protocol.NewParser(s.opts.MaxPayload).ReadFrames(s.conn, s.OnFrameReceived)
	if errors.Is(err, rpcerror.ErrMalformedFrame) {
		s.log.Error().Err(err).Msg("malformed frame, resetting connection")
	}
	s.closeWithError(err)
}

func (s *Session) sweepLoop() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.Sweep(now)
		case <-s.done:
			return
		}
	}
}

// heartbeatLoop keeps idle connections alive and surfaces dead ones through write errors.
func (s *Session) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	beat := protocol.AppendFrame(nil, &protocol.Header{Flags: protocol.FlagHeartbeat}, nil)
	for {
		select {
		case <-ticker.C:
			s.writer.Enqueue(beat)
		case <-s.done:
			return
		}
	}
}

// Close shuts the connection; every pending request fails with CONNECTION_CLOSED.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

// closeAllPending fails every pending entry once and empties the map.
func (s *Session) closeAllPending(cause error) {
	s.pending.Range(func(id uint64, call *pendingCall) bool {
		s.pending.Delete(id)
		if call.claim() {
			metrics.PendingDec()
			s.deliver(call.inv, call.onReply, invocation.Failure(cause))
		}
		return true
	})
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = rpcerror.ConnectionClosed(err)
		s.closed.Store(true)
		close(s.done)
		s.writer.Stop()
		_ = s.conn.Close()
		metrics.SessionClosed()
		if err != nil {
			s.log.Info().Err(err).Int("pending", s.pending.Size()).Msg("session closed")
		}
		s.closeAllPending(s.closeErr)
	})
}

func (s *Session) closedError() error {
	<-s.done
	return s.closeErr
}

// Closed reports whether the session has shut down.
func (s *Session) Closed() bool { return s.closed.Load() }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Pending returns the number of requests awaiting a reply.
func (s *Session) Pending() int { return s.pending.Size() }

// RemoteAddr is the peer's address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
