package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"highway-rpc/codec"
	"highway-rpc/executor"
	"highway-rpc/invocation"
	"highway-rpc/protocol"
	"highway-rpc/rpcerror"
	"highway-rpc/schema"
)

var addSig = &schema.OperationSignature{
	ID:        7,
	Service:   "calc",
	Name:      "add",
	Arguments: []schema.Argument{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}},
	Result:    "int",
}

var addSchema = func() *schema.WireSchema {
	ws, err := schema.Build(schema.NewRegistry(), addSig)
	if err != nil {
		panic(err)
	}
	return ws
}()

func newInvocation(a, b int) *invocation.Invocation {
	return invocation.New(invocation.Consumer, addSig, addSchema, []any{a, b}, executor.Inline)
}

// quietOptions keep the background sweep and heartbeat out of the way.
var quietOptions = Options{SweepInterval: time.Hour, HeartbeatInterval: -1}

func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	s := NewSession(client, codec.HighwayCodec{}, quietOptions)
	t.Cleanup(func() {
		_ = s.Close()
		_ = server.Close()
	})
	return s, server
}

type collector struct {
	ch    chan *invocation.Response
	calls atomic.Int32
}

func newCollector() *collector {
	return &collector{ch: make(chan *invocation.Response, 16)}
}

func (c *collector) onReply(resp *invocation.Response) {
	c.calls.Add(1)
	c.ch <- resp
}

func (c *collector) wait(t *testing.T) *invocation.Response {
	t.Helper()
	select {
	case resp := <-c.ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
		return nil
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s, server := newPipeSession(t)
	var c codec.HighwayCodec
	got := newCollector()

	s.Send(newInvocation(3, 4), got.onReply)

	h, payload, err := protocol.Decode(server)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	args, _, err := c.DecodeRequest(h, payload, addSchema)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	sum := args[0].(int) + args[1].(int)
	if _, err := server.Write(c.EncodeResponse(h, addSchema, invocation.Success(sum))); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	resp := got.wait(t)
	if resp.Failed() || resp.Value != 7 {
		t.Fatalf("expect 7, got %+v", resp)
	}
	if s.Pending() != 0 {
		t.Fatalf("expect empty pending map, got %d", s.Pending())
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	s, server := newPipeSession(t)
	var c codec.HighwayCodec

	// Echo server answering out of order.
	go func() {
		var held [][]byte
		for i := 0; i < 10; i++ {
			h, payload, err := protocol.Decode(server)
			if err != nil {
				return
			}
			args, _, _ := c.DecodeRequest(h, payload, addSchema)
			held = append(held, c.EncodeResponse(h, addSchema, invocation.Success(args[0].(int)+args[1].(int))))
		}
		for i := len(held) - 1; i >= 0; i-- {
			if _, err := server.Write(held[i]); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got := newCollector()
			s.Send(newInvocation(i, 100), got.onReply)
			select {
			case resp := <-got.ch:
				if resp.Value != i+100 {
					errs <- errors.New("reply routed to the wrong request")
				}
			case <-time.After(2 * time.Second):
				errs <- errors.New("reply not delivered")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	s, server := newPipeSession(t)
	got := newCollector()

	for i := 0; i < 3; i++ {
		s.Send(newInvocation(i, i), got.onReply)
		if _, _, err := protocol.Decode(server); err != nil {
			t.Fatalf("read request %d: %v", i, err)
		}
	}
	if s.Pending() != 3 {
		t.Fatalf("expect 3 pending, got %d", s.Pending())
	}

	_ = server.Close()

	for i := 0; i < 3; i++ {
		resp := got.wait(t)
		if resp.Code() != rpcerror.CodeConnectionClosed {
			t.Fatalf("expect CONNECTION_CLOSED, got %v", resp.Err)
		}
	}
	<-s.Done()
	if s.Pending() != 0 {
		t.Fatalf("expect empty pending map, got %d", s.Pending())
	}
	if got.calls.Load() != 3 {
		t.Fatalf("expect 3 completions, got %d", got.calls.Load())
	}

	// Sends after the loss fail immediately.
	s.Send(newInvocation(1, 1), got.onReply)
	if resp := got.wait(t); resp.Code() != rpcerror.CodeConnectionClosed {
		t.Fatalf("expect CONNECTION_CLOSED, got %v", resp.Err)
	}
}

func TestSweepTimesOutAndDropsLateReply(t *testing.T) {
	s, server := newPipeSession(t)
	var c codec.HighwayCodec
	got := newCollector()

	inv := newInvocation(1, 2)
	inv.SetTimeout(10 * time.Millisecond)
	s.Send(inv, got.onReply)
	h, _, err := protocol.Decode(server)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}

	if n := s.Sweep(inv.Created); n != 0 {
		t.Fatalf("nothing is due yet, swept %d", n)
	}
	if n := s.Sweep(inv.Deadline); n != 1 {
		t.Fatalf("expect 1 swept, got %d", n)
	}
	if resp := got.wait(t); resp.Code() != rpcerror.CodeTimeout {
		t.Fatalf("expect TIMEOUT, got %v", resp.Err)
	}

	// The late reply finds no entry and is dropped.
	if _, err := server.Write(c.EncodeResponse(h, addSchema, invocation.Success(3))); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got.calls.Load() != 1 {
		t.Fatalf("expect exactly one completion, got %d", got.calls.Load())
	}
	if s.Closed() {
		t.Fatal("a late reply must not close the session")
	}
}

func TestReplyAfterDeadlineBeforeSweepTimesOut(t *testing.T) {
	s, server := newPipeSession(t)
	var c codec.HighwayCodec
	got := newCollector()

	inv := newInvocation(3, 4)
	inv.SetTimeout(10 * time.Millisecond)
	s.Send(inv, got.onReply)
	h, _, err := protocol.Decode(server)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}

	// The sweep runs hourly, so only the reply path can notice the deadline.
	time.Sleep(50 * time.Millisecond)
	if _, err := server.Write(c.EncodeResponse(h, addSchema, invocation.Success(7))); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	resp := got.wait(t)
	if resp.Code() != rpcerror.CodeTimeout {
		t.Fatalf("expect TIMEOUT for a reply past the deadline, got value=%v err=%v", resp.Value, resp.Err)
	}
	if s.Pending() != 0 {
		t.Fatalf("expect empty pending map, got %d", s.Pending())
	}
}

func TestReplyToStoppedCallerLoopDelivered(t *testing.T) {
	s, server := newPipeSession(t)
	var c codec.HighwayCodec
	loop := executor.NewEventLoop("gone")
	got := newCollector()

	inv := invocation.New(invocation.Consumer, addSig, addSchema, []any{1, 2}, loop)
	s.Send(inv, got.onReply)
	h, _, err := protocol.Decode(server)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	loop.Stop()

	if _, err := server.Write(c.EncodeResponse(h, addSchema, invocation.Success(3))); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	if resp := got.wait(t); resp.Failed() || resp.Value != 3 {
		t.Fatalf("expect 3, got %+v", resp)
	}
}

func TestReplyAndSweepRace(t *testing.T) {
	s, server := newPipeSession(t)
	var c codec.HighwayCodec

	for i := 0; i < 100; i++ {
		got := newCollector()
		inv := newInvocation(i, 1)
		inv.SetTimeout(time.Millisecond)
		s.Send(inv, got.onReply)
		h, _, err := protocol.Decode(server)
		if err != nil {
			t.Fatalf("read request: %v", err)
		}
		reply := c.EncodeResponse(h, addSchema, invocation.Success(i+1))
		rh, payload, _, _ := protocol.DecodeFrame(reply)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.OnFrameReceived(rh, payload)
		}()
		go func() {
			defer wg.Done()
			s.Sweep(inv.Deadline.Add(time.Second))
		}()
		wg.Wait()

		resp := got.wait(t)
		if got.calls.Load() != 1 {
			t.Fatalf("round %d: expect one completion, got %d", i, got.calls.Load())
		}
		if !resp.Failed() && resp.Value != i+1 {
			t.Fatalf("round %d: unexpected value %v", i, resp.Value)
		}
		if resp.Failed() && resp.Code() != rpcerror.CodeTimeout {
			t.Fatalf("round %d: unexpected failure %v", i, resp.Err)
		}
	}
	if s.Pending() != 0 {
		t.Fatalf("expect empty pending map, got %d", s.Pending())
	}
}

func TestUnknownCorrelationIDDropped(t *testing.T) {
	s, _ := newPipeSession(t)
	s.OnFrameReceived(&protocol.Header{Flags: protocol.FlagResponse, CorrelationID: 999}, []byte{0x08, 0x01})
	s.OnFrameReceived(&protocol.Header{Flags: protocol.FlagHeartbeat}, nil)
	if s.Closed() || s.Pending() != 0 {
		t.Fatal("unknown replies must be ignored")
	}
}

func TestMalformedFrameResetsSession(t *testing.T) {
	s, server := newPipeSession(t)
	got := newCollector()

	s.Send(newInvocation(1, 1), got.onReply)
	if _, _, err := protocol.Decode(server); err != nil {
		t.Fatalf("read request: %v", err)
	}

	garbage := make([]byte, protocol.HeaderSize)
	copy(garbage, "JUNK")
	go func() { _, _ = server.Write(garbage) }()

	resp := got.wait(t)
	if resp.Code() != rpcerror.CodeConnectionClosed {
		t.Fatalf("expect CONNECTION_CLOSED, got %v", resp.Err)
	}
	if !errors.Is(resp.Err, rpcerror.ErrMalformedFrame) {
		t.Fatalf("expect malformed frame cause, got %v", resp.Err)
	}
}

func TestRepliesRunOnCallerContext(t *testing.T) {
	s, server := newPipeSession(t)
	var c codec.HighwayCodec
	loop := executor.NewEventLoop("caller")
	defer loop.Stop()

	var onLoop atomic.Bool
	done := make(chan struct{})
	marker := make(chan struct{})
	loop.Execute(func() { <-marker }) // hold the loop until the reply is queued

	inv := invocation.New(invocation.Consumer, addSig, addSchema, []any{1, 2}, loop)
	s.Send(inv, func(resp *invocation.Response) {
		onLoop.Store(true)
		close(done)
	})
	h, _, err := protocol.Decode(server)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if _, err := server.Write(c.EncodeResponse(h, addSchema, invocation.Success(3))); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if onLoop.Load() {
		t.Fatal("reply ran while its caller loop was busy")
	}
	close(marker)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered on the caller loop")
	}
}

func TestSessionPool(t *testing.T) {
	var dials atomic.Int32
	var servers []net.Conn
	var mu sync.Mutex
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		if addr == "down:1" {
			return nil, errors.New("connection refused")
		}
		dials.Add(1)
		client, server := net.Pipe()
		mu.Lock()
		servers = append(servers, server)
		mu.Unlock()
		return client, nil
	}
	p := NewSessionPool(2, codec.HighwayCodec{}, dial, quietOptions)
	defer p.Close()

	if _, ok := p.Ready("a:1"); ok {
		t.Fatal("empty pool must not be ready")
	}
	s1, err := p.Get(context.Background(), "a:1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	s2, _ := p.Get(context.Background(), "a:1")
	if s1 == s2 || p.Len("a:1") != 2 {
		t.Fatalf("expect two distinct sessions, got len %d", p.Len("a:1"))
	}
	if _, ok := p.Ready("a:1"); !ok {
		t.Fatal("full pool must be ready")
	}
	_, _ = p.Get(context.Background(), "a:1")
	if dials.Load() != 2 {
		t.Fatalf("expect 2 dials, got %d", dials.Load())
	}

	// A closed session is replaced on the next Get.
	_ = s1.Close()
	if p.Len("a:1") != 1 {
		t.Fatalf("expect closed session pruned, got %d", p.Len("a:1"))
	}
	s3, _ := p.Get(context.Background(), "a:1")
	if s3 == s1 || s3.Closed() || dials.Load() != 3 {
		t.Fatal("expect a fresh session")
	}

	if _, err := p.Get(context.Background(), "down:1"); rpcerror.CodeOf(err) != rpcerror.CodeUnavailable {
		t.Fatalf("expect UNAVAILABLE, got %v", err)
	}

	_ = p.Close()
	if !s2.Closed() || !s3.Closed() {
		t.Fatal("Close must close every session")
	}
	if _, err := p.Get(context.Background(), "a:1"); rpcerror.CodeOf(err) != rpcerror.CodeConnectionClosed {
		t.Fatalf("expect CONNECTION_CLOSED after Close, got %v", err)
	}

	mu.Lock()
	for _, c := range servers {
		_ = c.Close()
	}
	mu.Unlock()
}
