package main

import (
	"context"
	"errors"

	"highway-rpc/schema"
	"highway-rpc/server"
)

// calculator implements the calc service of examples/calculator.yaml.
var calculator = map[string]server.Handler{
	"add": func(_ context.Context, args []any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	},
	"div": func(_ context.Context, args []any) (any, error) {
		a, b := args[0].(float64), args[1].(float64)
		if b == 0 {
			return nil, errors.New("division by zero")
		}
		return a / b, nil
	},
	"norm": func(_ context.Context, args []any) (any, error) {
		p, _ := args[0].(schema.Message)
		x, _ := p["x"].(int)
		y, _ := p["y"].(int)
		return x*x + y*y, nil
	},
	"sum": func(_ context.Context, args []any) (any, error) {
		total := 0
		list, _ := args[0].([]any)
		for _, v := range list {
			total += v.(int)
		}
		return total, nil
	},
	"echo": func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	},
}

// handlers maps service names to the implementations this binary ships.
var handlers = map[string]map[string]server.Handler{
	"calc": calculator,
}
