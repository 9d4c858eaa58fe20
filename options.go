package edk

// Option tunes a MessagePipe or RoutedChannel at construction
// time. Every tunable has a sane default; Option exists so callers in
// tests and in the broker can dial individual limits without a
// constructor explosion, mirroring the functional-options shape used
// throughout this codebase's lineage.
type Option func(*config)

type config struct {
	maxMessagePayloadSize int
	maxMessageHandles     int

	pendingBufferWarnThreshold int

	ioTaskRunner IOTaskRunner
	metrics      *Metrics
}

func defaultConfig() *config {
	return &config{
		maxMessagePayloadSize:      DefaultMaxMessagePayloadSize,
		maxMessageHandles:          DefaultMaxMessageHandles,
		pendingBufferWarnThreshold: 1024,
	}
}

// WithMaxMessagePayloadSize caps WriteMessage's data argument. Default 64MiB.
func WithMaxMessagePayloadSize(n int) Option {
	return func(c *config) {
		c.maxMessagePayloadSize = n
	}
}

// WithMaxMessageHandles caps the number of handles a single WriteMessage
// may attach. Default 1024.
func WithMaxMessageHandles(n int) Option {
	return func(c *config) {
		c.maxMessageHandles = n
	}
}

// WithPendingBufferWarnThreshold sets how many buffered pre-registration
// messages a RoutedChannel tolerates in its pending buffer, counted across
// all routes, before logging a warning (it keeps buffering regardless —
// this only affects logging).
// Default 1024.
func WithPendingBufferWarnThreshold(n int) Option {
	return func(c *config) {
		c.pendingBufferWarnThreshold = n
	}
}

// WithIOTaskRunner injects the task runner a RoutedChannel uses for
// deferred self-destruction and dispatch. Tests substitute a synchronous
// runner here; production code uses the default single-goroutine runner.
func WithIOTaskRunner(r IOTaskRunner) Option {
	return func(c *config) {
		c.ioTaskRunner = r
	}
}

// WithMetrics attaches a Metrics set a RoutedChannel publishes counters
// to. Unset by default (metrics are optional instrumentation, not a
// correctness requirement).
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// resolveIOTaskRunner returns cfg's injected runner, or a freshly started
// default runner if none was supplied.
func resolveIOTaskRunner(cfg *config) IOTaskRunner {
	if cfg.ioTaskRunner != nil {
		return cfg.ioTaskRunner
	}
	return newLoopTaskRunner()
}
