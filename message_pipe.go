package edk

import "sync"

const (
	// DefaultMaxMessagePayloadSize is the default WriteMessage payload cap.
	DefaultMaxMessagePayloadSize = 64 * 1024 * 1024

	// DefaultMaxMessageHandles is the default per-message handle count cap.
	DefaultMaxMessageHandles = 1024
)

// ReadFlags controls ReadMessage behavior when the caller's buffer is too
// small for the queued message.
type ReadFlags uint8

const (
	// ReadFlagMayDiscard causes ReadMessage to drop (and close the handles
	// of) an oversized message instead of leaving it queued.
	ReadFlagMayDiscard ReadFlags = 1 << iota
)

type msgEntry struct {
	bytes   []byte
	handles []*PlatformHandle
}

// port is one endpoint of a MessagePipe: an inbound queue fed by the peer
// port's WriteMessage, plus the waiters blocked on it. There is
// deliberately no peerClosed field — a port's peer-closed state is always
// mp.ports[1-i].selfClosed, so the two can never drift out of sync.
type port struct {
	queue      fifoQueue[msgEntry]
	selfClosed bool
	waiters    waiterSet
}

// MessagePipe is a single two-port, in-process, bidirectional message
// channel. Each port is written by referring to "the other port" (1-port)
// and read by referring to "this port" — there is no sender/receiver
// distinction at this layer, matching spec.md §4.1's description of the
// type as the unit RoutedChannel dispatchers bind to, one dispatcher per
// port.
type MessagePipe struct {
	mu    sync.Mutex
	ports [2]port

	maxPayloadSize int
	maxHandles     int
	metrics        *Metrics
}

// NewMessagePipe constructs a MessagePipe with both ports open.
func NewMessagePipe(opts ...Option) *MessagePipe {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return &MessagePipe{
		maxPayloadSize: cfg.maxMessagePayloadSize,
		maxHandles:     cfg.maxMessageHandles,
		metrics:        cfg.metrics,
	}
}

func (mp *MessagePipe) closeDiscardedHandles(hs []*PlatformHandle) {
	CloseHandles(hs)
	if mp.metrics != nil && len(hs) > 0 {
		mp.metrics.HandlesClosedLeak.Add(float64(len(hs)))
	}
}

func (mp *MessagePipe) other(p int) int { return 1 - p }

// WriteMessage enqueues data and handles on the peer port. Ownership of
// every handle passes to the pipe (and ultimately to whatever reads the
// message, or to CloseHandles if it's discarded) regardless of outcome
// other than ResultInvalidArgument, which leaves the caller owning them.
func (mp *MessagePipe) WriteMessage(p int, data []byte, handles []*PlatformHandle) Result {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, h := range handles {
		if h == nil {
			return ResultInvalidArgument
		}
	}
	if len(data) > mp.maxPayloadSize || len(handles) > mp.maxHandles {
		mp.closeDiscardedHandles(handles)
		return ResultResourceExhausted
	}

	self := &mp.ports[p]
	if self.selfClosed {
		mp.closeDiscardedHandles(handles)
		return ResultFailedPrecondition
	}
	dest := &mp.ports[mp.other(p)]
	if dest.selfClosed {
		// The peer already closed its end; the message has nowhere to
		// go. Handles are still transferred-then-discarded, matching
		// the "no leak" invariant rather than returning them to the
		// caller.
		mp.closeDiscardedHandles(handles)
		return ResultFailedPrecondition
	}

	buf := append([]byte(nil), data...)
	dest.queue.Push(msgEntry{bytes: buf, handles: handles})
	dest.waiters.wakeReadable(ResultOK)
	return ResultOK
}

// ReadMessage dequeues the oldest message on port p into buf, returning
// its size and handles. If buf is shorter than the queued message, the
// message is left in place (ResultResourceExhausted) unless flags
// includes ReadFlagMayDiscard, in which case it is dropped and its
// handles closed.
func (mp *MessagePipe) ReadMessage(p int, buf []byte, flags ReadFlags) (Result, int, []*PlatformHandle) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	self := &mp.ports[p]
	other := &mp.ports[mp.other(p)]

	if self.queue.Len() == 0 {
		if self.selfClosed {
			return ResultFailedPrecondition, 0, nil
		}
		if other.selfClosed {
			return ResultFailedPrecondition, 0, nil
		}
		return ResultNotFound, 0, nil
	}

	head := self.queue.Peek()
	size := len(head.bytes)
	if size > len(buf) {
		if flags&ReadFlagMayDiscard != 0 {
			self.queue.Pop()
			mp.closeDiscardedHandles(head.handles)
		}
		return ResultResourceExhausted, size, nil
	}

	self.queue.Pop()
	copy(buf, head.bytes)
	return ResultOK, size, head.handles
}

// Close closes port p. It wakes p's own waiters with ResultCancelled (they
// asked to wait and the port they were waiting on is going away) and the
// peer port's waiters with ResultFailedPrecondition (the thing they were
// waiting to become readable/writable never will, because this side just
// closed). Close is idempotent.
func (mp *MessagePipe) Close(p int) Result {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	self := &mp.ports[p]
	if self.selfClosed {
		return ResultOK
	}
	self.selfClosed = true

	for _, m := range self.queue.items {
		mp.closeDiscardedHandles(m.handles)
	}
	self.queue.items = nil

	self.waiters.wakeAllAndClear(ResultCancelled)
	mp.ports[mp.other(p)].waiters.wakeAllAndClear(ResultFailedPrecondition)
	return ResultOK
}

// AddWaiter registers w to be woken when port p satisfies flags, or
// returns immediately without registering if the condition already holds
// (ResultAlreadyExists) or can never hold (ResultFailedPrecondition).
//
// Writability is trivial in this model — a port is always writable unless
// its peer has closed — so WaitWritable is satisfiable only as an
// immediate ALREADY_EXISTS (peer open) or FAILED_PRECONDITION (peer
// closed); it never blocks. This matches message_pipe_unittest.cc's
// BasicWaiting expectations exactly.
func (mp *MessagePipe) AddWaiter(p int, w *Waiter, flags WaitFlags, ctx uint64) Result {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	self := &mp.ports[p]
	other := &mp.ports[mp.other(p)]

	if flags&WaitWritable != 0 {
		if !other.selfClosed {
			return ResultAlreadyExists
		}
		if flags&WaitReadable == 0 {
			return ResultFailedPrecondition
		}
	}

	if flags&WaitReadable != 0 {
		if self.queue.Len() > 0 {
			return ResultAlreadyExists
		}
		if other.selfClosed {
			return ResultFailedPrecondition
		}
		self.waiters.add(w, flags, ctx)
		return ResultOK
	}

	return ResultFailedPrecondition
}

// drainAll pops every currently queued message on port p, for the
// dispatcher's outbound pump: unlike ReadMessage it takes no buffer and
// never returns RESOURCE_EXHAUSTED, since the pump is the sole reader of
// the pipe's wire-facing port and always has somewhere to forward a
// message (the RoutedChannel's Transport) regardless of size.
func (mp *MessagePipe) drainAll(p int) []msgEntry {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	port := &mp.ports[p]
	out := make([]msgEntry, 0, port.queue.Len())
	for port.queue.Len() > 0 {
		out = append(out, port.queue.Pop())
	}
	return out
}

// RemoveWaiter cancels a previously added waiter without waking it (used
// by a caller that times out via its own select/context and wants to stop
// waiting without a spurious wake result).
func (mp *MessagePipe) RemoveWaiter(p int, w *Waiter) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.ports[p].waiters.remove(w)
}

// CancelAllWaiters wakes every waiter on port p with ResultCancelled,
// without closing the port, for a caller that wants in-flight waits to
// end while the pipe itself lives on.
func (mp *MessagePipe) CancelAllWaiters(p int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.ports[p].waiters.wakeAllAndClear(ResultCancelled)
}
