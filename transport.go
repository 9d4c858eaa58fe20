package edk

// TransportDelegate receives frames and error notifications from a
// Transport. RoutedChannel is the only production implementation; it
// demultiplexes by Frame.RouteID to the right Delegate.
type TransportDelegate interface {
	OnReadFrame(f Frame)
	OnTransportError(err error)
}

// Transport carries framed, route-tagged, handle-bearing messages between
// two processes over some concrete medium (an in-memory pipe pair for
// tests, a Unix domain socket with real SCM_RIGHTS fd passing, or a TCP
// connection for data-only cross-host traffic). It is the external
// dependency a RoutedChannel is built on top of (component C1 in the
// system overview): RoutedChannel never opens sockets itself.
type Transport interface {
	// Start begins delivering frames to d. Must be called exactly once,
	// before WriteFrame.
	Start(d TransportDelegate)

	// WriteFrame sends f. Safe to call from any goroutine; an
	// implementation is responsible for its own internal serialization.
	WriteFrame(f Frame) error

	// Close tears down the underlying connection. Idempotent. After
	// Close returns, the delegate receives no further callbacks.
	Close() error
}
