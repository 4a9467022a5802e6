package client

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"highway-rpc/loadbalance"
	"highway-rpc/registry"
)

// Full path: Client → Registry → LB → SessionPool → Protocol → Codec → FilterChain → Server → Handler,
// with two producers behind one service name.
func multiServerRoundTrip(t *testing.T, reg registry.Registry) {
	startArith(t, reg, nil)
	startArith(t, reg, nil)

	cli := NewClient(reg, loadbalance.New("roundrobin"), WithSchemaCache(newCache(t)))
	defer cli.Close()

	for i := 1; i <= 10; i++ {
		v, err := cli.Call(context.Background(), addSig, i, i*10)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if v != i+i*10 {
			t.Fatalf("request %d: expect %d, got %v", i, i+i*10, v)
		}
	}
}

func TestMultiServerWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	reg, err := registry.NewRedisRegistry(mr.Addr(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	multiServerRoundTrip(t, reg)
}

func TestMultiServerWithEtcd(t *testing.T) {
	endpoints := os.Getenv("HIGHWAY_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("HIGHWAY_ETCD_ENDPOINTS not set")
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","))
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	defer reg.Close()

	multiServerRoundTrip(t, reg)
}
