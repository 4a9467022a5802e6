package invocation

import "context"

type ctxKey struct{}

// NewContext returns a copy of ctx carrying inv.
func NewContext(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, ctxKey{}, inv)
}

// FromContext returns the invocation stored in ctx, if any. Handlers use it to
// read attachments such as the trace id.
func FromContext(ctx context.Context) (*Invocation, bool) {
	inv, ok := ctx.Value(ctxKey{}).(*Invocation)
	return inv, ok
}
