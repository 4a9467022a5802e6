package main

import (
	"bytes"
	"context"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"highway-rpc/config"
	"highway-rpc/schema"
	"highway-rpc/server"
)

const contractPath = "../../examples/calculator.yaml"

func TestCalculatorCoversContract(t *testing.T) {
	cfg := config.Defaults()
	cfg.Contract = contractPath
	ctr, _, err := loadContract(&cfg)
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	sigs, ok := ctr.Service("calc")
	if !ok {
		t.Fatal("contract has no calc service")
	}
	for _, sig := range sigs {
		if _, ok := calculator[sig.Name]; !ok {
			t.Fatalf("no handler for %s", sig)
		}
	}
	if len(sigs) != len(calculator) {
		t.Fatalf("expect %d operations, got %d", len(calculator), len(sigs))
	}
}

func TestCalculatorHandlers(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		op   string
		args []any
		want any
	}{
		{"add", []any{3, 4}, 7},
		{"div", []any{7.0, 2.0}, 3.5},
		{"norm", []any{schema.Message{"x": 3, "y": 4}}, 25},
		{"norm", []any{schema.Message{"y": 2}}, 4},
		{"sum", []any{[]any{1, 2, 3}}, 6},
		{"echo", []any{"hi"}, "hi"},
	}
	for _, c := range cases {
		got, err := calculator[c.op](ctx, c.args)
		if err != nil || !reflect.DeepEqual(got, c.want) {
			t.Fatalf("%s%v: expect %v, got %v (%v)", c.op, c.args, c.want, got, err)
		}
	}
	if _, err := calculator["div"](ctx, []any{1.0, 0.0}); err == nil {
		t.Fatal("expect division by zero to fail")
	}
}

func TestParseArgs(t *testing.T) {
	cfg := config.Defaults()
	cfg.Contract = contractPath
	ctr, cache, err := loadContract(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	sig, _ := ctr.Lookup("calc.norm")
	args, err := parseArgs(cache.Registry(), sig, []string{"x=3;y=4"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(args, []any{schema.Message{"x": 3, "y": 4}}) {
		t.Fatalf("unexpected args %v", args)
	}
	sig, _ = ctr.Lookup("calc.add")
	if _, err := parseArgs(cache.Registry(), sig, []string{"1"}); err == nil {
		t.Fatal("expect an arity error")
	}
}

func TestCallCommand(t *testing.T) {
	cfg := config.Defaults()
	cfg.Contract = contractPath
	ctr, cache, err := loadContract(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	svr := server.NewServer(server.WithSchemaCache(cache))
	sigs, _ := ctr.Service("calc")
	if err := svr.RegisterService(sigs, calculator); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l, l.Addr().String(), nil)
	defer svr.Shutdown(time.Second)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"call", "calc.norm", "x=3;y=4",
		"--contract", contractPath,
		"--registry-endpoints", l.Addr().String(),
		"--log-level", "error",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "25" {
		t.Fatalf("expect 25, got %q", got)
	}
}
