package filter

import (
	"context"
	"time"

	"highway-rpc/invocation"
	"highway-rpc/metrics"
)

type metricsFilter struct{}

// MetricsFilter records every completed invocation in the Prometheus collectors.
func MetricsFilter() Filter { return metricsFilter{} }

func (metricsFilter) Name() string  { return "metrics" }
func (metricsFilter) Priority() int { return PriorityMetrics }

func (metricsFilter) OnFilter(_ context.Context, inv *invocation.Invocation, next Next, reply Reply) {
	next(func(resp *invocation.Response) {
		metrics.InvocationDone(inv.Role.String(), inv.Name(), string(resp.Code()), time.Since(inv.Created))
		reply(resp)
	})
}
