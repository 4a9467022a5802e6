// Package config resolves runtime settings from flags, HIGHWAY_* environment
// variables (.env and .env.local are loaded first), an optional YAML config file
// and built-in defaults, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"highway-rpc/loadbalance"
	"highway-rpc/registry"
)

// EnvPrefix prefixes every environment variable, e.g. HIGHWAY_REQUEST_TIMEOUT=2s.
const EnvPrefix = "highway"

type RegistryConfig struct {
	Kind       string // static, etcd or redis
	Endpoints  []string
	TTLSeconds int64
	Poll       time.Duration // redis watch polling
}

type Config struct {
	Listen    string
	Advertise string
	Registry  RegistryConfig
	Balancer  string

	RequestTimeout    time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	StallTimeout      time.Duration
	SlowThreshold     time.Duration

	EventLoops  int
	Workers     int
	WorkerQueue int
	PoolSize    int
	Retries     int

	QPSLimit  float64
	QPSBurst  int
	AuthToken string

	LogLevel    string
	MetricsAddr string
	Contract    string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen:    ":7070",
		Advertise: "127.0.0.1:7070",
		Registry: RegistryConfig{
			Kind:       "static",
			TTLSeconds: 10,
			Poll:       time.Second,
		},
		Balancer:          "roundrobin",
		RequestTimeout:    5 * time.Second,
		SweepInterval:     100 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		StallTimeout:      30 * time.Second,
		SlowThreshold:     time.Second,
		EventLoops:        4,
		Workers:           32,
		WorkerQueue:       1024,
		PoolSize:          2,
		LogLevel:          "info",
		Contract:          "examples/calculator.yaml",
	}
}

// BindFlags registers one flag per setting on fs, defaulting to Defaults().
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "YAML config file")
	fs.String("listen", d.Listen, "address the server listens on")
	fs.String("advertise", d.Advertise, "address registered for the served services")
	fs.String("registry", d.Registry.Kind, "service registry (static, etcd, redis)")
	fs.String("registry-endpoints", "", "comma-separated registry endpoints; for static: the producer addresses")
	fs.Int64("registry-ttl", d.Registry.TTLSeconds, "registration TTL in seconds")
	fs.Duration("registry-poll", d.Registry.Poll, "watch polling interval (redis)")
	fs.String("balancer", d.Balancer, "load balancer (roundrobin, weightedrandom, consistenthash)")
	fs.Duration("request-timeout", d.RequestTimeout, "consumer request timeout")
	fs.Duration("sweep-interval", d.SweepInterval, "how often pending requests are checked for timeouts")
	fs.Duration("heartbeat-interval", d.HeartbeatInterval, "session keepalive interval")
	fs.Duration("stall-timeout", d.StallTimeout, "how long a filter may hold an invocation")
	fs.Duration("slow-threshold", d.SlowThreshold, "invocations slower than this are logged with their stage trace")
	fs.Int("event-loops", d.EventLoops, "server event loops")
	fs.Int("workers", d.Workers, "worker goroutines for blocking work")
	fs.Int("worker-queue", d.WorkerQueue, "queued tasks per worker pool")
	fs.Int("pool-size", d.PoolSize, "sessions per producer address")
	fs.Int("retries", d.Retries, "resends of calls failing with CONNECTION_CLOSED or UNAVAILABLE")
	fs.Float64("qps-limit", d.QPSLimit, "producer requests per second (0 = unlimited)")
	fs.Int("qps-burst", d.QPSBurst, "producer request burst")
	fs.String("auth-token", d.AuthToken, "shared token required by the producer and sent by the consumer")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.MetricsAddr, "address serving /metrics (empty disables it)")
	fs.String("contract", d.Contract, "YAML contract file")
}

// Load resolves the configuration. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	c := &Config{
		Listen:    v.GetString("listen"),
		Advertise: v.GetString("advertise"),
		Registry: RegistryConfig{
			Kind:       strings.ToLower(v.GetString("registry")),
			Endpoints:  splitList(v.GetString("registry-endpoints")),
			TTLSeconds: v.GetInt64("registry-ttl"),
			Poll:       v.GetDuration("registry-poll"),
		},
		Balancer:          v.GetString("balancer"),
		RequestTimeout:    v.GetDuration("request-timeout"),
		SweepInterval:     v.GetDuration("sweep-interval"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		StallTimeout:      v.GetDuration("stall-timeout"),
		SlowThreshold:     v.GetDuration("slow-threshold"),
		EventLoops:        v.GetInt("event-loops"),
		Workers:           v.GetInt("workers"),
		WorkerQueue:       v.GetInt("worker-queue"),
		PoolSize:          v.GetInt("pool-size"),
		Retries:           v.GetInt("retries"),
		QPSLimit:          v.GetFloat64("qps-limit"),
		QPSBurst:          v.GetInt("qps-burst"),
		AuthToken:         v.GetString("auth-token"),
		LogLevel:          v.GetString("log-level"),
		MetricsAddr:       v.GetString("metrics-addr"),
		Contract:          v.GetString("contract"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("advertise", d.Advertise)
	v.SetDefault("registry", d.Registry.Kind)
	v.SetDefault("registry-ttl", d.Registry.TTLSeconds)
	v.SetDefault("registry-poll", d.Registry.Poll)
	v.SetDefault("balancer", d.Balancer)
	v.SetDefault("request-timeout", d.RequestTimeout)
	v.SetDefault("sweep-interval", d.SweepInterval)
	v.SetDefault("heartbeat-interval", d.HeartbeatInterval)
	v.SetDefault("stall-timeout", d.StallTimeout)
	v.SetDefault("slow-threshold", d.SlowThreshold)
	v.SetDefault("event-loops", d.EventLoops)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("worker-queue", d.WorkerQueue)
	v.SetDefault("pool-size", d.PoolSize)
	v.SetDefault("retries", d.Retries)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("contract", d.Contract)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the runtime cannot work with.
func (c *Config) Validate() error {
	switch c.Registry.Kind {
	case "static":
	case "etcd", "redis":
		if len(c.Registry.Endpoints) == 0 {
			return fmt.Errorf("registry %s needs --registry-endpoints", c.Registry.Kind)
		}
	default:
		return fmt.Errorf("unknown registry %q (expected static, etcd or redis)", c.Registry.Kind)
	}
	if c.RequestTimeout < 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("request-timeout must not be negative and sweep-interval must be positive")
	}
	if c.EventLoops < 1 || c.Workers < 1 || c.PoolSize < 1 {
		return fmt.Errorf("event-loops, workers and pool-size must be at least 1")
	}
	if c.QPSLimit < 0 {
		return fmt.Errorf("qps-limit must not be negative")
	}
	return nil
}

// NewRegistry builds the configured registry. For the static registry the endpoints,
// if any, are the producer addresses of service.
func (c *Config) NewRegistry(service string) (registry.Registry, error) {
	switch c.Registry.Kind {
	case "etcd":
		reg, err := registry.NewEtcdRegistry(c.Registry.Endpoints)
		if err != nil {
			return nil, err
		}
		return reg, nil
	case "redis":
		reg, err := registry.NewRedisRegistry(c.Registry.Endpoints[0], c.Registry.Poll)
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return registry.NewStaticRegistryOf(service, c.Registry.Endpoints...), nil
	}
}

// NewBalancer builds the configured load balancer.
func (c *Config) NewBalancer() loadbalance.Balancer {
	return loadbalance.New(c.Balancer)
}

// String renders the configuration section by section.
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Server")
	addField("Listen", c.Listen)
	addField("Advertise", c.Advertise)
	addField("Event Loops", fmt.Sprint(c.EventLoops))
	addField("Workers", fmt.Sprintf("%d (queue %d)", c.Workers, c.WorkerQueue))
	if c.QPSLimit > 0 {
		addField("QPS Limit", fmt.Sprintf("%g (burst %d)", c.QPSLimit, c.QPSBurst))
	}
	addField("Auth", map[bool]string{true: "token", false: "none"}[c.AuthToken != ""])

	addSection("Client")
	addField("Request Timeout", c.RequestTimeout.String())
	addField("Sweep Interval", c.SweepInterval.String())
	addField("Heartbeat Interval", c.HeartbeatInterval.String())
	addField("Pool Size", fmt.Sprint(c.PoolSize))
	addField("Retries", fmt.Sprint(c.Retries))
	addField("Balancer", c.Balancer)

	addSection("Registry")
	addField("Kind", c.Registry.Kind)
	addField("Endpoints", strings.Join(c.Registry.Endpoints, ","))
	addField("TTL", fmt.Sprintf("%d sec", c.Registry.TTLSeconds))

	addSection("Observability")
	addField("Log Level", c.LogLevel)
	addField("Metrics", c.MetricsAddr)
	addField("Slow Threshold", c.SlowThreshold.String())
	addField("Contract", c.Contract)

	return sb.String()
}
