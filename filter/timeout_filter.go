package filter

import (
	"context"
	"strconv"
	"time"

	"highway-rpc/invocation"
	"highway-rpc/rpcerror"
)

type timeoutFilter struct {
	timeout time.Duration
}

// TimeoutFilter bounds an invocation's lifetime.
//
// On the consumer it sets the deadline the transport sweep enforces and tells the
// producer the remaining budget. On the producer it adopts that budget and fails
// invocations whose deadline already passed before the handler runs.
func TimeoutFilter(timeout time.Duration) Filter { return timeoutFilter{timeout: timeout} }

func (timeoutFilter) Name() string  { return "timeout" }
func (timeoutFilter) Priority() int { return PriorityTimeout }

func (f timeoutFilter) OnFilter(ctx context.Context, inv *invocation.Invocation, next Next, reply Reply) {
	now := time.Now()
	if inv.Role == invocation.Consumer {
		inv.SetTimeout(f.timeout)
		if dl, ok := ctx.Deadline(); ok && (inv.Deadline.IsZero() || dl.Before(inv.Deadline)) {
			inv.Deadline = dl
		}
		if rem := inv.Remaining(now); rem > 0 {
			inv.SetAttachment(TimeoutKey, strconv.FormatInt(rem.Milliseconds(), 10))
		}
	} else {
		if ms, err := strconv.ParseInt(inv.Attachment(TimeoutKey), 10, 64); err == nil && ms > 0 {
			inv.SetTimeout(time.Duration(ms) * time.Millisecond)
		}
		inv.SetTimeout(f.timeout)
	}

	if inv.Expired(now) {
		reply(invocation.Failure(rpcerror.Timeout("%s deadline passed before %s", inv.Name(), inv.Role)))
		return
	}
	next(nil)
}
