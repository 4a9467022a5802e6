package loadbalance

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"highway-rpc/registry"
	"highway-rpc/rpcerror"
)

// countingRegistry counts Discover round trips.
type countingRegistry struct {
	registry.Registry
	discovers atomic.Int32
}

func (r *countingRegistry) Discover(service string) ([]registry.ServiceInstance, error) {
	r.discovers.Add(1)
	return r.Registry.Discover(service)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInstanceCacheResolve(t *testing.T) {
	static := registry.NewStaticRegistry()
	defer static.Close()
	c := NewInstanceCache(static)
	defer c.Close()

	if _, err := c.Resolve(New("round-robin"), "calc", ""); !errors.Is(err, rpcerror.ErrUnavailable) {
		t.Fatalf("expect UNAVAILABLE without instances, got %v", err)
	}
	_ = static.Register("calc", registry.ServiceInstance{Addr: "127.0.0.1:9000"}, 0)
	addr, err := c.Resolve(New("hash"), "calc", "k")
	if err != nil || addr != "127.0.0.1:9000" {
		t.Fatalf("expect 127.0.0.1:9000, got %q, %v", addr, err)
	}
}

func TestInstanceCacheDiscoversOnce(t *testing.T) {
	reg := &countingRegistry{Registry: registry.NewStaticRegistryOf("calc", "127.0.0.1:9000")}
	defer reg.Close()
	c := NewInstanceCache(reg)
	defer c.Close()

	for i := 0; i < 20; i++ {
		if _, err := c.Resolve(New(""), "calc", ""); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if n := reg.discovers.Load(); n != 1 {
		t.Fatalf("expect one Discover for a cached service, got %d", n)
	}
}

func TestInstanceCacheFollowsWatch(t *testing.T) {
	reg := &countingRegistry{Registry: registry.NewStaticRegistryOf("calc", "127.0.0.1:9000")}
	defer reg.Close()
	c := NewInstanceCache(reg)
	defer c.Close()

	if _, err := c.Load("calc"); err != nil {
		t.Fatalf("load: %v", err)
	}
	_ = reg.Register("calc", registry.ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}, 0)
	waitFor(t, "second instance", func() bool {
		instances, ok := c.Cached("calc")
		return ok && len(instances) == 2
	})

	_ = reg.Deregister("calc", "127.0.0.1:9000")
	_ = reg.Deregister("calc", "127.0.0.1:9001")
	waitFor(t, "empty instance list", func() bool {
		_, ok := c.Cached("calc")
		return !ok
	})
	if n := reg.discovers.Load(); n != 1 {
		t.Fatalf("watch updates must not trigger Discover, got %d calls", n)
	}
}
