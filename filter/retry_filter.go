package filter

import (
	"context"
	"time"

	"highway-rpc/invocation"
	"highway-rpc/logx"
	"highway-rpc/rpcerror"
)

// RetryTerminal wraps terminal so that failures with a retryable code are sent
// again, up to maxRetries times with exponential backoff starting at baseDelay.
// Retries never outlive the invocation's deadline. Backoff waits on a timer and
// resumes on the invocation's caller, never blocking it.
//
// Retry lives at the terminal because next is single-use.
func RetryTerminal(terminal Terminal, maxRetries int, baseDelay time.Duration, retryable ...rpcerror.Code) Terminal {
	if len(retryable) == 0 {
		retryable = []rpcerror.Code{rpcerror.CodeConnectionClosed, rpcerror.CodeUnavailable}
	}
	codes := make(map[rpcerror.Code]bool, len(retryable))
	for _, c := range retryable {
		codes[c] = true
	}

	return func(ctx context.Context, inv *invocation.Invocation, reply Reply) {
		var attempt func(n int)
		attempt = func(n int) {
			terminal(ctx, inv, func(resp *invocation.Response) {
				if !resp.Failed() || !codes[resp.Code()] || n >= maxRetries {
					reply(resp)
					return
				}
				delay := baseDelay * time.Duration(1<<n)
				if rem := inv.Remaining(time.Now()); rem != 0 && rem < delay {
					reply(resp)
					return
				}
				logx.Log.Info().
					Str("operation", inv.Name()).
					Int("attempt", n+1).
					Str("code", string(resp.Code())).
					Dur("backoff", delay).
					Msg("retrying invocation")
				time.AfterFunc(delay, func() {
					inv.Caller.Execute(func() { attempt(n + 1) })
				})
			})
		}
		attempt(0)
	}
}
