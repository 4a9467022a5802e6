package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"highway-rpc/config"
	"highway-rpc/contract"
	"highway-rpc/filter"
	"highway-rpc/logx"
	"highway-rpc/metrics"
	"highway-rpc/schema"
	"highway-rpc/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the contract's services",
	Long: `Serve every service of the contract this binary has handlers for, register it
in the configured registry and, with --metrics-addr, expose Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("fault-abort-percent", 0, "share of requests failed with INJECTED_FAULT (0..100)")
	serveCmd.Flags().Int("fault-delay-percent", 0, "share of requests delayed by --fault-delay (0..100)")
	serveCmd.Flags().Duration("fault-delay", 0, "delay applied to the delayed share")
	serveCmd.Flags().Duration("shutdown-timeout", 5*time.Second, "how long shutdown waits for in-flight requests")
}

// loadContract reads the contract and builds a schema cache over its message types.
func loadContract(cfg *config.Config) (*contract.Contract, *schema.Cache, error) {
	c, err := contract.LoadFile(cfg.Contract)
	if err != nil {
		return nil, nil, err
	}
	reg := schema.NewRegistry()
	if err := c.Register(reg); err != nil {
		return nil, nil, err
	}
	return c, schema.NewCache(reg), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logx.Configure(cfg.LogLevel)
	log := logx.With("serve")
	log.Debug().Msg(cfg.String())

	ctr, cache, err := loadContract(cfg)
	if err != nil {
		return err
	}

	svr := server.NewServer(
		server.WithSchemaCache(cache),
		server.WithEventLoops(cfg.EventLoops),
		server.WithWorkers(cfg.Workers, cfg.WorkerQueue),
		server.WithRegistration(cfg.Registry.TTLSeconds, 1),
		server.WithStallTimeout(cfg.StallTimeout),
		server.WithSlowThreshold(cfg.SlowThreshold),
	)
	served := 0
	for _, name := range ctr.Services() {
		impl, ok := handlers[name]
		if !ok {
			log.Warn().Str("service", name).Msg("no handlers for service, skipping")
			continue
		}
		sigs, _ := ctr.Service(name)
		used := make(map[string]server.Handler, len(sigs))
		for _, sig := range sigs {
			if h, ok := impl[sig.Name]; ok {
				used[sig.Name] = h
			}
		}
		if err := svr.RegisterService(sigs, used); err != nil {
			return err
		}
		served++
	}
	if served == 0 {
		return fmt.Errorf("contract %s has no service this binary implements", cfg.Contract)
	}

	if cfg.AuthToken != "" {
		svr.Use(filter.AuthFilter(cfg.AuthToken))
	}
	if cfg.QPSLimit > 0 {
		svr.Use(filter.QPSFilter(cfg.QPSLimit, max(cfg.QPSBurst, 1)))
	}
	abort, _ := cmd.Flags().GetInt("fault-abort-percent")
	delayPct, _ := cmd.Flags().GetInt("fault-delay-percent")
	delay, _ := cmd.Flags().GetDuration("fault-delay")
	if abort > 0 || delayPct > 0 {
		svr.Use(filter.FaultInjectionFilter(filter.FaultConfig{AbortPercent: abort, DelayPercent: delayPct, Delay: delay}))
	}

	reg, err := cfg.NewRegistry("")
	if err != nil {
		return fmt.Errorf("connect registry: %w", err)
	}
	defer reg.Close()

	if cfg.MetricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics endpoint failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- svr.Serve("tcp", cfg.Listen, cfg.Advertise, reg) }()

	select {
	case err := <-errCh:
		_ = svr.Shutdown(time.Second)
		return err
	case <-ctx.Done():
	}
	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	log.Info().Msg("shutting down")
	return svr.Shutdown(timeout)
}
