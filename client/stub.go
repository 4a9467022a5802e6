package client

import (
	"context"
	"fmt"
	"sort"

	"highway-rpc/executor"
	"highway-rpc/invocation"
	"highway-rpc/rpcerror"
	"highway-rpc/schema"
)

// Stub is the explicit consumer-side face of one service, built once from its
// operation signatures. Operations are called by name.
type Stub struct {
	client  *Client
	service string
	ops     map[string]*schema.OperationSignature
}

// NewStub checks that sigs describe one service and builds every wire schema up
// front, so an unencodable signature fails here with SCHEMA_BUILD.
func (c *Client) NewStub(sigs []*schema.OperationSignature) (*Stub, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("new stub: no operations")
	}
	s := &Stub{client: c, service: sigs[0].Service, ops: make(map[string]*schema.OperationSignature, len(sigs))}
	for _, sig := range sigs {
		if sig.Service != s.service {
			return nil, fmt.Errorf("new stub %s: operation %s belongs to another service", s.service, sig.QualifiedName())
		}
		if _, dup := s.ops[sig.Name]; dup {
			return nil, fmt.Errorf("new stub %s: duplicate operation %s", s.service, sig.Name)
		}
		if _, err := c.schemas.Get(sig); err != nil {
			return nil, err
		}
		s.ops[sig.Name] = sig
	}
	return s, nil
}

func (s *Stub) Service() string { return s.service }

// Operations lists the operation names in sorted order.
func (s *Stub) Operations() []string {
	names := make([]string, 0, len(s.ops))
	for name := range s.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signature returns the signature of operation.
func (s *Stub) Signature(operation string) (*schema.OperationSignature, bool) {
	sig, ok := s.ops[operation]
	return sig, ok
}

// Call invokes operation and waits for its result.
func (s *Stub) Call(ctx context.Context, operation string, args ...any) (any, error) {
	sig, ok := s.ops[operation]
	if !ok {
		return nil, s.notFound(operation)
	}
	return s.client.Call(ctx, sig, args...)
}

// Invoke starts operation asynchronously; cb runs once on caller.
func (s *Stub) Invoke(ctx context.Context, caller executor.Executor, operation string, args []any, cb func(*invocation.Response)) {
	sig, ok := s.ops[operation]
	if !ok {
		if caller == nil {
			caller = executor.Inline
		}
		err := s.notFound(operation)
		caller.Execute(func() { cb(invocation.Failure(err)) })
		return
	}
	s.client.Invoke(ctx, caller, sig, args, cb)
}

func (s *Stub) notFound(operation string) error {
	return rpcerror.New(rpcerror.CodeNotFound, "service %s has no operation %s", s.service, operation)
}
