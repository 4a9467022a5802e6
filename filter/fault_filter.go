package filter

import (
	"context"
	"math/rand"
	"time"

	"highway-rpc/invocation"
	"highway-rpc/rpcerror"
)

// FaultConfig describes injected failures. Percentages are 0..100.
type FaultConfig struct {
	AbortPercent int
	AbortCode    rpcerror.Code // INJECTED_FAULT when empty
	DelayPercent int
	Delay        time.Duration
}

type faultFilter struct {
	cfg  FaultConfig
	roll func() int // 0..99
}

// FaultInjectionFilter aborts or delays a share of invocations for resilience testing.
// Delays never block: the invocation resumes on its caller's executor.
func FaultInjectionFilter(cfg FaultConfig) Filter {
	return faultFilter{cfg: cfg, roll: func() int { return rand.Intn(100) }}
}

func (faultFilter) Name() string  { return "fault-injection" }
func (faultFilter) Priority() int { return PriorityFaultInjection }

func (f faultFilter) OnFilter(_ context.Context, inv *invocation.Invocation, next Next, reply Reply) {
	if f.cfg.AbortPercent > 0 && f.roll() < f.cfg.AbortPercent {
		code := f.cfg.AbortCode
		if code == "" {
			code = rpcerror.CodeInjectedFault
		}
		reply(invocation.Failure(rpcerror.New(code, "fault injected into %s", inv.Name())))
		return
	}
	if f.cfg.Delay > 0 && f.cfg.DelayPercent > 0 && f.roll() < f.cfg.DelayPercent {
		time.AfterFunc(f.cfg.Delay, func() {
			inv.Caller.Execute(func() { next(nil) })
		})
		return
	}
	next(nil)
}
