package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"highway-rpc/client"
	"highway-rpc/config"
	"highway-rpc/filter"
	"highway-rpc/logx"
	"highway-rpc/schema"
	"highway-rpc/transport"
)

var callCmd = &cobra.Command{
	Use:   "call <service.operation> [args...]",
	Short: "Call one operation and print its result as JSON",
	Long: `Call one operation of the contract. Arguments are given in declaration order in
their text form: numbers, true/false, base64 for bytes, comma separated elements
for list<T>, and name=value pairs separated by ';' for messages (e.g. "x=3;y=4").`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().String("hash-key", "", "affinity key for the consistenthash balancer")
}

// parseArgs converts the command line arguments of sig to codec values.
func parseArgs(reg *schema.Registry, sig *schema.OperationSignature, texts []string) ([]any, error) {
	if len(texts) != len(sig.Arguments) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", sig, len(sig.Arguments), len(texts))
	}
	args := make([]any, len(texts))
	for i, text := range texts {
		v, err := reg.ParseValue(sig.Arguments[i].Type, text)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", sig.Arguments[i].Name, err)
		}
		args[i] = v
	}
	return args, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logx.Configure(cfg.LogLevel)

	ctr, cache, err := loadContract(cfg)
	if err != nil {
		return err
	}
	sig, ok := ctr.Lookup(args[0])
	if !ok {
		return fmt.Errorf("contract %s has no operation %s (expected service.operation)", cfg.Contract, args[0])
	}
	callArgs, err := parseArgs(cache.Registry(), sig, args[1:])
	if err != nil {
		return err
	}

	reg, err := cfg.NewRegistry(sig.Service)
	if err != nil {
		return fmt.Errorf("connect registry: %w", err)
	}
	defer reg.Close()

	opts := []client.Option{
		client.WithSchemaCache(cache),
		client.WithRequestTimeout(cfg.RequestTimeout),
		client.WithPoolSize(cfg.PoolSize),
		client.WithWorkers(cfg.Workers, cfg.WorkerQueue),
		client.WithStallTimeout(cfg.StallTimeout),
		client.WithSlowThreshold(cfg.SlowThreshold),
		client.WithSessionOptions(transport.Options{
			SweepInterval:     cfg.SweepInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}),
	}
	if cfg.Retries > 0 {
		opts = append(opts, client.WithRetry(cfg.Retries, 50*time.Millisecond))
	}
	if cfg.AuthToken != "" {
		opts = append(opts, client.WithFilters(filter.CredentialFilter(cfg.AuthToken)))
	}
	cli := client.NewClient(reg, cfg.NewBalancer(), opts...)
	defer cli.Close()

	ctx := context.Background()
	if key, _ := cmd.Flags().GetString("hash-key"); key != "" {
		ctx = client.WithAttachment(ctx, filter.HashKeyKey, key)
	}
	v, err := cli.Call(ctx, sig, callArgs...)
	if err != nil {
		return err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
