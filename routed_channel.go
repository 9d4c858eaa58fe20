package edk

import (
	"sync"

	"go.uber.org/zap"
)

// pendingMessage is a frame that arrived for a pipe id with no dispatcher
// bound yet. RoutedChannel buffers these so AddRoute can deliver them, in
// order, the moment the real dispatcher registers — this is what makes
// the registration race in the system's design safe: a peer is always
// free to start writing to a pipe id before the local side has called
// AddRoute for it.
type pendingMessage struct {
	routeID uint64
	payload []byte
	handles []*PlatformHandle
}

// RoutedChannel demultiplexes a single Transport's inbound frames to one
// MessagePipeDispatcher per pipe id, and multiplexes WriteMessage calls
// from many dispatchers back onto that one Transport. Pipe id 0 is
// reserved for the channel's own ROUTE_CLOSED control traffic.
//
// Ported from routed_raw_channel.cc: same locking discipline (a single
// mutex guards routes/pending/closedRoutes), same pending-buffer splice
// order on AddRoute, same avoid-ping-pong rule on RemoveRoute, and the
// same self-destruction condition (transport down AND no routes left),
// deferred onto the injected IOTaskRunner rather than run inline.
type RoutedChannel struct {
	mu sync.Mutex

	transport Transport
	ioRunner  IOTaskRunner
	logger    *zap.Logger
	metrics   *Metrics

	routes       map[uint64]Delegate
	pending      fifoQueue[pendingMessage]
	closedRoutes map[uint64]struct{}

	transportDown bool
	destroyed     bool

	pendingWarnThreshold int

	// onDestruct, if set, is invoked (via ioRunner, not inline) exactly
	// once, when the channel has no live transport and no bound routes
	// left. Registry uses this to drop the channel from its process map.
	onDestruct func()
}

// NewRoutedChannel constructs a channel driving t, dispatching via
// ioRunner (or a private default runner if cfg supplies none).
func NewRoutedChannel(t Transport, opts ...Option) *RoutedChannel {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	rc := &RoutedChannel{
		transport:            t,
		ioRunner:             resolveIOTaskRunner(cfg),
		logger:               Logger().Named("routed_channel"),
		routes:               make(map[uint64]Delegate),
		closedRoutes:         make(map[uint64]struct{}),
		pendingWarnThreshold: cfg.pendingBufferWarnThreshold,
		metrics:              cfg.metrics,
	}
	t.Start(rc)
	if rc.metrics != nil {
		rc.metrics.ActiveChannels.Inc()
	}
	return rc
}

// SetOnDestruct installs the deferred-self-destruction callback. Must be
// called before the channel can observe any transport error.
func (rc *RoutedChannel) SetOnDestruct(fn func()) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onDestruct = fn
}

// AddRoute binds d to pipeID. Any frames that already arrived for pipeID
// (buffered in the pending queue because no dispatcher was registered
// yet) are delivered to d immediately, in arrival order, before AddRoute
// returns. If the peer already sent ROUTE_CLOSED for pipeID before this
// call, d.OnError is invoked synchronously as part of this call too.
func (rc *RoutedChannel) AddRoute(pipeID uint64, d Delegate) error {
	if pipeID == routeIDControl {
		return ErrPipeIDReserved
	}

	rc.mu.Lock()
	if _, bound := rc.routes[pipeID]; bound {
		rc.mu.Unlock()
		return ErrRouteBound
	}
	rc.routes[pipeID] = d
	drained := rc.pending.RemoveWhere(func(m pendingMessage) bool { return m.routeID == pipeID })

	// The closedRoutes entry stays until RemoveRoute consumes it, so that
	// RemoveRoute sends no ROUTE_CLOSED back for a pipe the peer already
	// closed.
	_, alreadyClosed := rc.closedRoutes[pipeID]

	// Deliver the splice while still holding rc.mu, exactly as
	// routed_raw_channel.cc does under lock_: a frame for pipeID arriving on
	// the production loopTaskRunner's goroutine the instant after the route
	// binds at line 100 would otherwise race dispatchFrame's own delivery
	// against this drain loop, breaking the pending buffer's FIFO ordering.
	// d.OnReadMessage/OnError never re-enter rc, so this can't deadlock.
	for _, m := range drained {
		d.OnReadMessage(m.payload, m.handles)
	}
	if alreadyClosed {
		d.OnError(ResultReadShutdown)
	}
	rc.mu.Unlock()

	if rc.metrics != nil {
		rc.metrics.RoutesBound.Inc()
	}
	return nil
}

// RemoveRoute unbinds pipeID, which must currently be bound to d. Unless
// the peer already closed this pipe id (ROUTE_CLOSED already received —
// in which case the route is simply erased, to avoid bouncing a
// ROUTE_CLOSED notification back at a peer that just sent one), a
// ROUTE_CLOSED control frame is sent for pipeID. If the transport is down
// and this was the last bound route, the channel self-destructs
// (deferred via the IOTaskRunner, never inline).
func (rc *RoutedChannel) RemoveRoute(pipeID uint64, d Delegate) error {
	rc.mu.Lock()

	bound, ok := rc.routes[pipeID]
	if !ok || bound != d {
		rc.mu.Unlock()
		return ErrRouteNotBound
	}
	delete(rc.routes, pipeID)

	_, alreadyClosed := rc.closedRoutes[pipeID]
	if alreadyClosed {
		delete(rc.closedRoutes, pipeID)
	}

	shouldNotifyPeer := !alreadyClosed && !rc.transportDown
	shouldDestruct := rc.transportDown && len(rc.routes) == 0 && !rc.destroyed
	if shouldDestruct {
		rc.destroyed = true
	}
	transport := rc.transport
	rc.mu.Unlock()

	if shouldNotifyPeer {
		_ = transport.WriteFrame(Frame{RouteID: routeIDControl, Payload: encodeRouteClosed(pipeID)})
	}
	if shouldDestruct {
		rc.scheduleDestruct()
	}
	if rc.metrics != nil {
		rc.metrics.RoutesUnbound.Inc()
		if shouldDestruct {
			rc.metrics.ActiveChannels.Dec()
		}
	}
	return nil
}

// WriteMessage sends data and handles to the peer's dispatcher bound to
// pipeID.
func (rc *RoutedChannel) WriteMessage(pipeID uint64, data []byte, handles []*PlatformHandle) error {
	if pipeID == routeIDControl {
		return ErrPipeIDReserved
	}
	rc.mu.Lock()
	if rc.transportDown {
		rc.mu.Unlock()
		CloseHandles(handles)
		return ErrChannelClosed
	}
	transport := rc.transport
	rc.mu.Unlock()

	return transport.WriteFrame(Frame{RouteID: pipeID, Payload: data, Handles: handles})
}

// OnReadFrame implements TransportDelegate. It hands off to the channel's
// IOTaskRunner so all dispatch happens serialized on one goroutine,
// regardless of which goroutine the Transport calls back from.
func (rc *RoutedChannel) OnReadFrame(f Frame) {
	rc.ioRunner.Post(func() { rc.dispatchFrame(f) })
}

// OnTransportError implements TransportDelegate.
func (rc *RoutedChannel) OnTransportError(err error) {
	rc.ioRunner.Post(func() { rc.handleTransportError(err) })
}

func (rc *RoutedChannel) dispatchFrame(f Frame) {
	if f.RouteID == routeIDControl {
		rc.dispatchControlFrame(f.Payload)
		return
	}

	rc.mu.Lock()
	d, bound := rc.routes[f.RouteID]
	if !bound {
		rc.pending.Push(pendingMessage{routeID: f.RouteID, payload: f.Payload, handles: f.Handles})
		n := rc.pending.Len()
		rc.mu.Unlock()
		if rc.metrics != nil {
			rc.metrics.FramesBuffered.Inc()
		}
		if n > rc.pendingWarnThreshold {
			rc.logger.Warn("pending message buffer growing large",
				zap.Uint64("route_id", f.RouteID), zap.Int("pending_len", n))
		}
		return
	}
	rc.mu.Unlock()

	if rc.metrics != nil {
		rc.metrics.FramesForwarded.Inc()
	}
	d.OnReadMessage(f.Payload, f.Handles)
}

func (rc *RoutedChannel) dispatchControlFrame(payload []byte) {
	pipeID, err := decodeRouteClosed(payload)
	if err != nil {
		rc.logger.Error("protocol violation on control route", zap.Error(err))
		if rc.metrics != nil {
			rc.metrics.FramesDropped.Inc()
		}
		return
	}
	if pipeID == routeIDControl {
		rc.logger.Error("ROUTE_CLOSED named the reserved control pipe id")
		if rc.metrics != nil {
			rc.metrics.FramesDropped.Inc()
		}
		return
	}

	rc.mu.Lock()
	if _, dup := rc.closedRoutes[pipeID]; dup {
		rc.mu.Unlock()
		rc.logger.Error("duplicate ROUTE_CLOSED for pipe", zap.Uint64("pipe_id", pipeID))
		if rc.metrics != nil {
			rc.metrics.FramesDropped.Inc()
		}
		return
	}
	rc.closedRoutes[pipeID] = struct{}{}
	d, bound := rc.routes[pipeID]
	rc.mu.Unlock()

	if bound {
		d.OnError(ResultReadShutdown)
	}
}

func (rc *RoutedChannel) handleTransportError(err error) {
	rc.mu.Lock()
	if rc.transportDown {
		rc.mu.Unlock()
		return
	}
	rc.transportDown = true

	bound := make([]Delegate, 0, len(rc.routes))
	for id, d := range rc.routes {
		if _, peerClosed := rc.closedRoutes[id]; peerClosed {
			continue // already given OnError(ResultReadShutdown)
		}
		bound = append(bound, d)
	}

	shouldDestruct := len(rc.routes) == 0 && !rc.destroyed
	if shouldDestruct {
		rc.destroyed = true
	}
	rc.mu.Unlock()

	for _, d := range bound {
		d.OnError(ResultCancelled)
	}
	if shouldDestruct {
		rc.scheduleDestruct()
		if rc.metrics != nil {
			rc.metrics.ActiveChannels.Dec()
		}
	}
}

// RouteIDs returns a snapshot of the pipe ids currently bound to a
// dispatcher, for introspection (debug_server.go's /debug/routes).
func (rc *RoutedChannel) RouteIDs() []uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ids := make([]uint64, 0, len(rc.routes))
	for id := range rc.routes {
		ids = append(ids, id)
	}
	return ids
}

// PendingCount reports how many frames are buffered waiting for a route
// that hasn't been added yet.
func (rc *RoutedChannel) PendingCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.pending.Len()
}

// TransportDown reports whether this channel has observed its Transport
// fail.
func (rc *RoutedChannel) TransportDown() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.transportDown
}

func (rc *RoutedChannel) scheduleDestruct() {
	rc.mu.Lock()
	fn := rc.onDestruct
	rc.mu.Unlock()
	if fn == nil {
		return
	}
	rc.ioRunner.Post(fn)
}
