package filter

import (
	"context"

	"golang.org/x/time/rate"

	"highway-rpc/invocation"
	"highway-rpc/rpcerror"
)

type qpsFilter struct {
	limiter *rate.Limiter
}

// QPSFilter admits at most r invocations per second with the given burst,
// using a token bucket. Excess invocations fail with REJECTED.
func QPSFilter(r float64, burst int) Filter {
	return qpsFilter{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (qpsFilter) Name() string  { return "qps" }
func (qpsFilter) Priority() int { return PriorityQPS }

func (f qpsFilter) OnFilter(_ context.Context, inv *invocation.Invocation, next Next, reply Reply) {
	if !f.limiter.Allow() {
		reply(invocation.Failure(rpcerror.New(rpcerror.CodeRejected, "rate limit exceeded for %s", inv.Name())))
		return
	}
	next(nil)
}
