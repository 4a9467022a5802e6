package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"highway-rpc/rpcerror"
)

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// TCPDialer dials with a net.Dialer.
func TCPDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// SessionPool keeps up to size multiplexed sessions per address and spreads
// requests over them round-robin. Sessions are dialed lazily; closed sessions
// are dropped and replaced on the next Get.
type SessionPool struct {
	mu       sync.Mutex
	sessions map[string]*endpoint
	size     int
	dial     Dialer
	codec    FrameCodec
	opts     Options
	closed   bool
}

type endpoint struct {
	sessions []*Session
	next     atomic.Uint64
}

// NewSessionPool creates an empty pool. A nil dial uses TCPDialer.
func NewSessionPool(size int, codec FrameCodec, dial Dialer, opts Options) *SessionPool {
	if size < 1 {
		size = 1
	}
	if dial == nil {
		dial = TCPDialer
	}
	return &SessionPool{
		sessions: make(map[string]*endpoint),
		size:     size,
		dial:     dial,
		codec:    codec,
		opts:     opts,
	}
}

// Ready returns an open session to addr without dialing. It reports false while
// the address has fewer than size open sessions, so the caller dials through Get.
func (p *SessionPool) Ready(addr string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.prune(addr)
	if ep == nil || len(ep.sessions) < p.size {
		return nil, false
	}
	return ep.pick(), true
}

// Get returns a session to addr, dialing a new one while the pool is under size.
// It blocks on the dial and must not be called from an event loop.
func (p *SessionPool) Get(ctx context.Context, addr string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rpcerror.ConnectionClosed(errors.New("session pool closed"))
	}
	if ep := p.prune(addr); ep != nil && len(ep.sessions) >= p.size {
		s := ep.pick()
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, addr)
	if err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		// Fall back to whatever is already open.
		if ep := p.prune(addr); ep != nil && len(ep.sessions) > 0 {
			return ep.pick(), nil
		}
		return nil, rpcerror.Wrap(rpcerror.CodeUnavailable, err, "dial %s", addr)
	}

	s := NewSession(conn, p.codec, p.opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = s.Close()
		return nil, rpcerror.ConnectionClosed(errors.New("session pool closed"))
	}
	ep := p.prune(addr)
	if ep == nil {
		ep = &endpoint{}
		p.sessions[addr] = ep
	}
	if len(ep.sessions) >= p.size {
		// A concurrent Get filled the slot first.
		_ = s.Close()
		return ep.pick(), nil
	}
	ep.sessions = append(ep.sessions, s)
	return s, nil
}

// prune drops closed sessions of addr. Callers hold p.mu.
func (p *SessionPool) prune(addr string) *endpoint {
	ep, ok := p.sessions[addr]
	if !ok {
		return nil
	}
	open := ep.sessions[:0]
	for _, s := range ep.sessions {
		if !s.Closed() {
			open = append(open, s)
		}
	}
	for i := len(open); i < len(ep.sessions); i++ {
		ep.sessions[i] = nil
	}
	ep.sessions = open
	return ep
}

func (ep *endpoint) pick() *Session {
	n := ep.next.Add(1)
	return ep.sessions[int(n%uint64(len(ep.sessions)))]
}

// Len returns the number of open sessions to addr.
func (p *SessionPool) Len(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep := p.prune(addr); ep != nil {
		return len(ep.sessions)
	}
	return 0
}

// Close closes every session; their pending requests fail with CONNECTION_CLOSED.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	p.closed = true
	all := p.sessions
	p.sessions = make(map[string]*endpoint)
	p.mu.Unlock()

	for _, ep := range all {
		for _, s := range ep.sessions {
			_ = s.Close()
		}
	}
	return nil
}
