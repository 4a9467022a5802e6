// Package invocation defines the unit of work that flows through a filter chain.
//
// An Invocation is one remote call seen from one side:
//
//	consumer: Args ──encode──► frame ──► ... ──► frame ──decode──► Result
//	producer: frame ──decode──► Args ──handler──► Result ──encode──► frame
//
// The result slot is written exactly once. Timeouts, connection loss and real
// replies race for it; the first writer wins and every later attempt is a
// logged no-op.
package invocation

import (
	"sync/atomic"
	"time"

	"highway-rpc/executor"
	"highway-rpc/logx"
	"highway-rpc/metrics"
	"highway-rpc/rpcerror"
	"highway-rpc/schema"
)

// Role says which side of the call an invocation represents.
type Role uint8

const (
	Consumer Role = iota
	Producer
)

func (r Role) String() string {
	if r == Producer {
		return "producer"
	}
	return "consumer"
}

var nextID atomic.Uint64

// Invocation carries one call through filters, codec and transport.
type Invocation struct {
	ID        uint64
	Role      Role
	Operation *schema.OperationSignature
	Schema    *schema.WireSchema
	Args      []any
	Context   map[string]string // Propagated to the peer in the frame's context extension
	Endpoint  string            // Target address (consumer) or remote peer address (producer)
	Created   time.Time
	Deadline  time.Time         // Zero means no deadline
	Caller    executor.Executor // Context every callback of this invocation runs on
	Trace     *StageTrace

	result atomic.Pointer[Response]
}

// New creates an invocation bound to caller. A nil caller runs callbacks inline.
func New(role Role, sig *schema.OperationSignature, ws *schema.WireSchema, args []any, caller executor.Executor) *Invocation {
	if caller == nil {
		caller = executor.Inline
	}
	return &Invocation{
		ID:        nextID.Add(1),
		Role:      role,
		Operation: sig,
		Schema:    ws,
		Args:      args,
		Context:   make(map[string]string),
		Created:   time.Now(),
		Caller:    caller,
		Trace:     NewStageTrace(),
	}
}

// Name returns the qualified operation name, used as a log and metric label.
func (inv *Invocation) Name() string {
	if inv.Operation == nil {
		return ""
	}
	return inv.Operation.QualifiedName()
}

// Attachment returns a context value.
func (inv *Invocation) Attachment(key string) string {
	return inv.Context[key]
}

// SetAttachment sets a context value propagated to the peer.
func (inv *Invocation) SetAttachment(key, value string) {
	if inv.Context == nil {
		inv.Context = make(map[string]string)
	}
	inv.Context[key] = value
}

// SetTimeout sets the deadline relative to creation. It only ever tightens an existing deadline.
func (inv *Invocation) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	dl := inv.Created.Add(d)
	if inv.Deadline.IsZero() || dl.Before(inv.Deadline) {
		inv.Deadline = dl
	}
}

// Remaining returns the time left until the deadline: 0 if there is none, negative once it passed.
func (inv *Invocation) Remaining(now time.Time) time.Duration {
	if inv.Deadline.IsZero() {
		return 0
	}
	if d := inv.Deadline.Sub(now); d > 0 {
		return d
	}
	return -1
}

// Expired reports whether the deadline has passed.
func (inv *Invocation) Expired(now time.Time) bool {
	return !inv.Deadline.IsZero() && !now.Before(inv.Deadline)
}

// Complete writes the result slot. Only the first call succeeds; later calls are
// chain defects: they are logged, counted and otherwise ignored.
func (inv *Invocation) Complete(resp *Response) bool {
	if resp == nil {
		resp = Success(nil)
	}
	if inv.result.CompareAndSwap(nil, resp) {
		inv.Trace.End(StageTotal)
		return true
	}
	metrics.Defect("double_complete")
	logx.Log.Error().
		Uint64("invocation", inv.ID).
		Str("operation", inv.Name()).
		Str("role", inv.Role.String()).
		Str("code", string(rpcerror.CodeFilterChainDefect)).
		Msg("invocation completed twice, later result ignored")
	return false
}

// Result returns the completed response, or nil while the invocation is in flight.
func (inv *Invocation) Result() *Response {
	return inv.result.Load()
}

// Done reports whether the result slot has been written.
func (inv *Invocation) Done() bool {
	return inv.result.Load() != nil
}
