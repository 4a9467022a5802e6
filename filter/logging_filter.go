package filter

import (
	"context"
	"time"

	"highway-rpc/invocation"
	"highway-rpc/logx"
)

type loggingFilter struct {
	slow time.Duration
}

// LoggingFilter logs every invocation at debug level and failures at warn.
// Invocations slower than slow (if > 0) are logged with their stage trace.
func LoggingFilter(slow time.Duration) Filter { return loggingFilter{slow: slow} }

func (loggingFilter) Name() string  { return "logging" }
func (loggingFilter) Priority() int { return PriorityLogging }

func (f loggingFilter) OnFilter(_ context.Context, inv *invocation.Invocation, next Next, reply Reply) {
	start := time.Now()
	next(func(resp *invocation.Response) {
		duration := time.Since(start)
		ev := logx.Log.Debug()
		if resp.Failed() {
			ev = logx.Log.Warn().Str("code", string(resp.Code())).Str("error", resp.Error().Message)
		}
		ev.Str("role", inv.Role.String()).
			Str("operation", inv.Name()).
			Str("endpoint", inv.Endpoint).
			Str("trace_id", inv.Attachment(TraceIDKey)).
			Dur("duration", duration).
			Msg("invocation")

		if f.slow > 0 && duration > f.slow {
			logx.Log.Warn().
				Str("role", inv.Role.String()).
				Str("operation", inv.Name()).
				Dur("duration", duration).
				Str("stages", inv.Trace.String()).
				Msg("slow invocation")
		}
		reply(resp)
	})
}
