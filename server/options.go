package server

import (
	"time"

	"highway-rpc/filter"
	"highway-rpc/protocol"
	"highway-rpc/schema"
	"highway-rpc/transport"
)

type options struct {
	eventLoops    int
	workers       int
	workerQueue   int
	writeQueue    int
	maxPayload    int
	registryTTL   int64
	weight        int
	stallTimeout  time.Duration
	slowThreshold time.Duration
	schemas       *schema.Cache
}

func defaultOptions() options {
	return options{
		eventLoops:    4,
		workers:       32,
		workerQueue:   1024,
		writeQueue:    transport.DefaultWriteQueue,
		maxPayload:    protocol.DefaultMaxPayload,
		registryTTL:   10, // seconds; the registry keeps it alive while serving
		weight:        1,
		stallTimeout:  filter.DefaultStallTimeout,
		slowThreshold: time.Second,
	}
}

// Option configures a Server.
type Option func(*options)

// WithEventLoops sets how many event loops share the accepted connections.
func WithEventLoops(n int) Option {
	return func(o *options) { o.eventLoops = n }
}

// WithWorkers sizes the pool business handlers run on.
func WithWorkers(workers, queue int) Option {
	return func(o *options) {
		o.workers = workers
		o.workerQueue = queue
	}
}

func WithWriteQueue(n int) Option {
	return func(o *options) { o.writeQueue = n }
}

func WithMaxPayload(n int) Option {
	return func(o *options) { o.maxPayload = n }
}

// WithRegistration sets the TTL (seconds) and load-balancing weight advertised to the registry.
func WithRegistration(ttl int64, weight int) Option {
	return func(o *options) {
		o.registryTTL = ttl
		o.weight = weight
	}
}

func WithStallTimeout(d time.Duration) Option {
	return func(o *options) { o.stallTimeout = d }
}

// WithSlowThreshold sets when the logging filter dumps an invocation's stage trace.
func WithSlowThreshold(d time.Duration) Option {
	return func(o *options) { o.slowThreshold = d }
}

// WithSchemaCache shares a schema cache, and with it a message type registry.
func WithSchemaCache(c *schema.Cache) Option {
	return func(o *options) { o.schemas = c }
}
