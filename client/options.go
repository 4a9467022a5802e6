package client

import (
	"time"

	"highway-rpc/filter"
	"highway-rpc/rpcerror"
	"highway-rpc/schema"
	"highway-rpc/transport"
)

type options struct {
	requestTimeout time.Duration
	poolSize       int
	workers        int
	workerQueue    int
	filters        []filter.Filter
	retries        int
	retryDelay     time.Duration
	retryable      []rpcerror.Code
	stallTimeout   time.Duration
	slowThreshold  time.Duration
	schemas        *schema.Cache
	dial           transport.Dialer
	session        transport.Options
}

func defaultOptions() options {
	return options{
		requestTimeout: 5 * time.Second,
		poolSize:       2,
		workers:        8,
		workerQueue:    256,
		retryDelay:     50 * time.Millisecond,
		stallTimeout:   filter.DefaultStallTimeout,
		slowThreshold:  time.Second,
	}
}

// Option configures a Client.
type Option func(*options)

// WithRequestTimeout bounds every call; a context deadline may tighten it. 0 disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithPoolSize sets how many multiplexed sessions are kept per producer address.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithWorkers sizes the pool that dialing and discovery run on.
func WithWorkers(workers, queue int) Option {
	return func(o *options) {
		o.workers = workers
		o.workerQueue = queue
	}
}

// WithFilters adds consumer filters next to the built-in ones.
func WithFilters(filters ...filter.Filter) Option {
	return func(o *options) { o.filters = append(o.filters, filters...) }
}

// WithRetry resends invocations failing with one of codes (CONNECTION_CLOSED and
// UNAVAILABLE if none given) up to n times.
func WithRetry(n int, baseDelay time.Duration, codes ...rpcerror.Code) Option {
	return func(o *options) {
		o.retries = n
		o.retryDelay = baseDelay
		o.retryable = codes
	}
}

func WithStallTimeout(d time.Duration) Option {
	return func(o *options) { o.stallTimeout = d }
}

func WithSlowThreshold(d time.Duration) Option {
	return func(o *options) { o.slowThreshold = d }
}

// WithSchemaCache shares a schema cache, and with it a message type registry.
func WithSchemaCache(c *schema.Cache) Option {
	return func(o *options) { o.schemas = c }
}

func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dial = d }
}

// WithSessionOptions tunes every session the client opens.
func WithSessionOptions(so transport.Options) Option {
	return func(o *options) { o.session = so }
}
