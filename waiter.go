package edk

import (
	"sync"
	"sync/atomic"
	"time"
)

// WaitFlags selects which port state transitions a Waiter is interested in.
type WaitFlags uint8

const (
	WaitReadable WaitFlags = 1 << iota
	WaitWritable
)

// coarseNow is a cheap, low-resolution clock updated by a background
// goroutine, read by tcpTransport to decide when to refresh its read and
// write deadlines; Waiter.Wait uses its own timer. Mirrors the teacher's
// clock.go pattern.
var coarseNow atomic.Int64

func init() {
	coarseNow.Store(time.Now().UnixNano())
	go func() {
		for range time.Tick(500 * time.Millisecond) {
			coarseNow.Store(time.Now().UnixNano())
		}
	}()
}

// Waiter is a one-shot wake signal. A single Waiter may be registered with
// AddWaiter on at most one port at a time; Wake delivers a Result exactly
// once, and Wait blocks for it (optionally with a deadline).
type Waiter struct {
	ch   chan Result
	once sync.Once
}

// NewWaiter returns a fresh, unsignaled Waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan Result, 1)}
}

// wake delivers r to the waiter. Only the first call has any effect.
func (w *Waiter) wake(r Result) {
	w.once.Do(func() {
		w.ch <- r
	})
}

// Wait blocks until the waiter is woken or timeout elapses. A negative
// timeout waits indefinitely.
func (w *Waiter) Wait(timeout time.Duration) Result {
	if timeout < 0 {
		return <-w.ch
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-w.ch:
		return r
	case <-t.C:
		return ResultDeadlineExceeded
	}
}

// waiterEntry pairs a registered Waiter with the flags it was added under
// and the caller-supplied context value (mirrored in ThreadedWaiting-style
// tests to disambiguate which AddWaiter call fired).
type waiterEntry struct {
	w     *Waiter
	flags WaitFlags
	ctx   uint64
}

// waiterSet holds the waiters registered on one port. Callers hold the
// owning MessagePipe's mutex for every method here; waiterSet itself does
// no locking.
type waiterSet struct {
	entries []waiterEntry
}

func (s *waiterSet) add(w *Waiter, flags WaitFlags, ctx uint64) {
	s.entries = append(s.entries, waiterEntry{w: w, flags: flags, ctx: ctx})
}

// remove drops w from the set, if present. Used by RemoveWaiter so a
// caller that times out doesn't leave a stale entry that later wakes with
// a result the caller already stopped waiting for.
func (s *waiterSet) remove(w *Waiter) {
	for i, e := range s.entries {
		if e.w == w {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// wakeAllAndClear wakes every registered waiter with r and empties the set.
// Used on Close: the port's own waiters are cancelled, and the peer port's
// waiters observe the precondition failure.
func (s *waiterSet) wakeAllAndClear(r Result) {
	for _, e := range s.entries {
		e.w.wake(r)
	}
	s.entries = nil
}

// wakeReadable wakes and removes only the entries registered with
// WaitReadable, leaving any writable-only entries (there are none in
// practice, since AddWaiter never registers a waiter for writability —
// see message_pipe.go) untouched.
func (s *waiterSet) wakeReadable(r Result) {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.flags&WaitReadable != 0 {
			e.w.wake(r)
		} else {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}
