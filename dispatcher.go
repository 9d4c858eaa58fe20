package edk

// Delegate is the callback surface a RoutedChannel drives. It is
// deliberately two methods, not an inheritance hierarchy: spec.md's
// explicit guidance is to model the route/dispatcher relationship as a
// small interface rather than a class hierarchy the way the original C++
// does with MessagePipeDispatcher subclassing.
type Delegate interface {
	// OnReadMessage is called on the channel's I/O task runner goroutine
	// whenever a frame addressed to this route arrives, including frames
	// that were buffered before the route was added.
	OnReadMessage(data []byte, handles []*PlatformHandle)

	// OnError is called at most once, when the route's peer pipe id has
	// been closed (ResultReadShutdown) or the RoutedChannel's Transport
	// has gone down (ResultCancelled). No further OnReadMessage calls
	// follow.
	OnError(result Result)
}

// MessagePipeDispatcher binds one port of a MessagePipe to one route of a
// RoutedChannel. It owns both directions of the bridge:
//
//   - inbound: RoutedChannel hands it frames via OnReadMessage, which it
//     injects into the bound port's readable queue exactly as if the
//     peer MessagePipe port had written them;
//   - outbound: a pump goroutine watches the *other* port of the local
//     pipe (the half the application never reads, used only as the
//     wire-facing side) and forwards anything the application writes
//     there out through the RoutedChannel.
//
// The application is only ever meant to call ReadMessage/WriteMessage on
// `port`; the peer index (1-port) is this dispatcher's private wire-side
// plumbing.
type MessagePipeDispatcher struct {
	pipe   *MessagePipe
	port   int
	pipeID uint64
	rc     *RoutedChannel

	pumpDone chan struct{}
}

// NewMessagePipeDispatcher constructs a dispatcher for one port of pipe
// and starts its outbound pump. The caller still must register it with rc
// via rc.AddRoute(pipeID, dispatcher) for inbound frames to reach it.
func NewMessagePipeDispatcher(pipe *MessagePipe, port int, pipeID uint64, rc *RoutedChannel) *MessagePipeDispatcher {
	d := &MessagePipeDispatcher{
		pipe:     pipe,
		port:     port,
		pipeID:   pipeID,
		rc:       rc,
		pumpDone: make(chan struct{}),
	}
	go d.pumpOutbound()
	return d
}

// wirePort is the pipe port this dispatcher never exposes to the
// application: writes the application makes on `port` land here, and
// this dispatcher drains it out over the RoutedChannel.
func (d *MessagePipeDispatcher) wirePort() int { return 1 - d.port }

// OnReadMessage writes an inbound frame's payload and handles into the
// bound port's readable queue, waking any waiter blocked on readability.
// It calls WriteMessage on the wire port, since WriteMessage(p, ...)
// always enqueues onto the *other* port (1-p) — the wire delivery stands
// in for "the remote peer wrote this", landing on `port`, exactly the way
// a co-located peer port would inject it.
func (d *MessagePipeDispatcher) OnReadMessage(data []byte, handles []*PlatformHandle) {
	if r := d.pipe.WriteMessage(d.wirePort(), data, handles); r != ResultOK {
		// The local port is already closed; nothing reads this message.
		// WriteMessage already closed the handles in that case.
		_ = r
	}
}

// OnError closes the wire port, as if the remote peer's MessagePipe port
// had been closed. This leaves any already-queued, not-yet-read messages
// on `port` intact — ReadMessage keeps draining them — and only returns
// FAILED_PRECONDITION once the queue empties,
// matching invariant 2 (no data loss ahead of the shutdown signal). It
// also wakes the outbound pump, which stops once its wire port is closed.
func (d *MessagePipeDispatcher) OnError(result Result) {
	d.pipe.Close(d.wirePort())
}

// Close is the application's side of teardown: it closes the bound port
// (waking any of the application's own waiters with ResultCancelled) and
// unbinds from the RoutedChannel, which — unless the peer already sent
// ROUTE_CLOSED — causes exactly one ROUTE_CLOSED to go out over the wire.
func (d *MessagePipeDispatcher) Close() error {
	d.pipe.Close(d.port)
	if d.rc == nil {
		return nil
	}
	return d.rc.RemoveRoute(d.pipeID, d)
}

// PipeID returns the route id this dispatcher is bound to.
func (d *MessagePipeDispatcher) PipeID() uint64 {
	return d.pipeID
}

// closeUndelivered closes handles that pumpOutbound could not hand off to
// the RoutedChannel (no route bound, or the write itself failed), and
// records them against the same undelivered-handle counter RoutedChannel
// and MessagePipe use for their own discard paths.
func (d *MessagePipeDispatcher) closeUndelivered(handles []*PlatformHandle) {
	CloseHandles(handles)
	if d.rc != nil && d.rc.metrics != nil && len(handles) > 0 {
		d.rc.metrics.HandlesClosedLeak.Add(float64(len(handles)))
	}
}

// pumpOutbound drains whatever the application writes on `port` (which
// lands on wirePort()'s queue) and forwards each message to the
// RoutedChannel, tagged with this dispatcher's pipe id. It exits once
// either port of the pipe is closed — wirePort() by OnError (peer/transport
// gone), or `port` by Close (application done with this end) — there is
// nothing left to pump either way.
func (d *MessagePipeDispatcher) pumpOutbound() {
	defer close(d.pumpDone)
	wp := d.wirePort()
	for {
		w := NewWaiter()
		switch d.pipe.AddWaiter(wp, w, WaitReadable, 0) {
		case ResultOK:
			if w.Wait(-1) != ResultOK {
				return
			}
		case ResultFailedPrecondition:
			return
		case ResultAlreadyExists:
			// Already readable; fall through to drain immediately.
		}

		for _, m := range d.pipe.drainAll(wp) {
			if d.rc == nil {
				d.closeUndelivered(m.handles)
				continue
			}
			if err := d.rc.WriteMessage(d.pipeID, m.bytes, m.handles); err != nil {
				d.closeUndelivered(m.handles)
			}
		}
	}
}
