package filter

import (
	"context"

	"github.com/google/uuid"

	"highway-rpc/invocation"
)

type tracingFilter struct{}

// TracingFilter makes sure every invocation carries a trace id. Consumers mint
// one; producers keep the one they received.
func TracingFilter() Filter { return tracingFilter{} }

func (tracingFilter) Name() string  { return "tracing" }
func (tracingFilter) Priority() int { return PriorityTracing }

func (tracingFilter) OnFilter(_ context.Context, inv *invocation.Invocation, next Next, _ Reply) {
	if inv.Attachment(TraceIDKey) == "" {
		inv.SetAttachment(TraceIDKey, uuid.NewString())
	}
	next(nil)
}
