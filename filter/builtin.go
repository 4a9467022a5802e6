package filter

// Priorities of the built-in filters. Lower runs first.
const (
	PriorityTracing        = 100
	PriorityMetrics        = 200
	PriorityLogging        = 300
	PriorityAuth           = 400
	PriorityQPS            = 500
	PriorityFaultInjection = 600
	PriorityTimeout        = 700
	PriorityLoadBalance    = 900
)

// Context keys propagated in the frame's context extension.
const (
	TraceIDKey   = "trace-id"
	AuthTokenKey = "auth-token"
	TimeoutKey   = "timeout-ms"
	HashKeyKey   = "hash-key"
)
