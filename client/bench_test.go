package client

import (
	"context"
	"testing"

	"highway-rpc/registry"
)

func setupServerAndClient(b *testing.B) *Client {
	reg := registry.NewStaticRegistry()
	startArith(b, reg, nil)
	return newTestClient(b, reg, WithPoolSize(4))
}

// Single goroutine, serial calls.
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cli.Call(ctx, addSig, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing the multiplexed sessions.
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := cli.Call(ctx, addSig, 1, 2); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
