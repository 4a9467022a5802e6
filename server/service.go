package server

import (
	"fmt"
	"sort"

	"highway-rpc/schema"
)

// RegisterService binds every signature of one service to the handler registered
// under the operation's name. Each signature needs a handler and each handler a
// signature, so a contract and its implementation cannot drift apart silently.
func (svr *Server) RegisterService(sigs []*schema.OperationSignature, handlers map[string]Handler) error {
	if len(sigs) == 0 {
		return fmt.Errorf("register service: no operations")
	}
	service := sigs[0].Service
	used := make(map[string]bool, len(handlers))
	for _, sig := range sigs {
		if sig.Service != service {
			return fmt.Errorf("register service %s: operation %s belongs to another service", service, sig.QualifiedName())
		}
		h, ok := handlers[sig.Name]
		if !ok {
			return fmt.Errorf("register service %s: no handler for %s", service, sig.Name)
		}
		used[sig.Name] = true
		if err := svr.Register(sig, h); err != nil {
			return err
		}
	}

	var extra []string
	for name := range handlers {
		if !used[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("register service %s: handlers without an operation: %v", service, extra)
	}
	return nil
}
