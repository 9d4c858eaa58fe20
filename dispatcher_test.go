package edk

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newWiredPipe sets up a full MessagePipe <-> MessagePipeDispatcher <->
// RoutedChannel <-> memTransport stack on both ends of a pair, the way a
// real cross-process pipe would be assembled after the broker introduces
// two processes and each calls AddRoute for the same pipe id. Returns the
// two application-facing MessagePipes (app port 0 on each side).
func newWiredPipe(t *testing.T, pipeID uint64) (*MessagePipe, *MessagePipe) {
	t.Helper()
	ta, tb := newMemTransportPair()
	rcA := NewRoutedChannel(ta, WithIOTaskRunner(syncTaskRunner{}))
	rcB := NewRoutedChannel(tb, WithIOTaskRunner(syncTaskRunner{}))

	pipeA := NewMessagePipe()
	dispA := NewMessagePipeDispatcher(pipeA, 0, pipeID, rcA)
	if err := rcA.AddRoute(pipeID, dispA); err != nil {
		t.Fatalf("AddRoute a: %v", err)
	}

	pipeB := NewMessagePipe()
	dispB := NewMessagePipeDispatcher(pipeB, 0, pipeID, rcB)
	if err := rcB.AddRoute(pipeID, dispB); err != nil {
		t.Fatalf("AddRoute b: %v", err)
	}

	return pipeA, pipeB
}

// Invariant 1 / round trip: a write on one side's app port is observed,
// in order, as a read on the other side's app port, across a real
// RoutedChannel + Transport hop — this is the full data path the spec's
// "L -> MessagePipeDispatcher -> RoutedChannel -> Transport -> ..." flow
// describes in §2.
func TestDispatcher_EndToEndRoundTrip(t *testing.T) {
	pipeA, pipeB := newWiredPipe(t, 42)

	if r := pipeA.WriteMessage(0, []byte("hello"), nil); r != ResultOK {
		t.Fatalf("WriteMessage: got %s", r)
	}
	if r := pipeA.WriteMessage(0, []byte("world"), nil); r != ResultOK {
		t.Fatalf("WriteMessage: got %s", r)
	}

	buf := make([]byte, 64)
	first := readEventually(t, pipeB, 0, buf)
	if first != "hello" {
		t.Fatalf("first read: got %q, want %q", first, "hello")
	}
	second := readEventually(t, pipeB, 0, buf)
	if second != "world" {
		t.Fatalf("second read: got %q, want %q", second, "world")
	}
}

func TestDispatcher_BidirectionalRoundTrip(t *testing.T) {
	pipeA, pipeB := newWiredPipe(t, 1)

	pipeA.WriteMessage(0, []byte("ping"), nil)
	buf := make([]byte, 64)
	if got := readEventually(t, pipeB, 0, buf); got != "ping" {
		t.Fatalf("b received: got %q, want %q", got, "ping")
	}

	pipeB.WriteMessage(0, []byte("pong"), nil)
	if got := readEventually(t, pipeA, 0, buf); got != "pong" {
		t.Fatalf("a received: got %q, want %q", got, "pong")
	}
}

// Invariant 4: a handle attached to a written message is delivered to the
// other side referring to the same kernel object. The in-memory transport
// passes the *PlatformHandle itself, so sender-side closing is covered by
// transport_unix_test.go instead.
func TestDispatcher_HandleRoundTrip(t *testing.T) {
	pipeA, pipeB := newWiredPipe(t, 5)

	f, err := os.CreateTemp(t.TempDir(), "edk-handle-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString("payload"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	wantPath := f.Name()
	h := NewPlatformHandle(f)

	if r := pipeA.WriteMessage(0, []byte("withHandle"), []*PlatformHandle{h}); r != ResultOK {
		t.Fatalf("WriteMessage: got %s", r)
	}

	var gotHandles []*PlatformHandle
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, n, handles := pipeB.ReadMessage(0, make([]byte, 64), 0)
		if res == ResultOK {
			if string(make([]byte, 0, n)) == "" && n > 0 {
				// n is not checked; the handle's content is checked below
			}
			gotHandles = handles
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(gotHandles) != 1 {
		t.Fatalf("got %d handles, want 1", len(gotHandles))
	}
	// The kernel-object identity check: read back through the delivered
	// handle and see the same bytes this process wrote before sending.
	buf := make([]byte, 7)
	if _, err := gotHandles[0].File().ReadAt(buf, 0); err != nil {
		t.Fatalf("read via delivered handle: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("delivered handle content: got %q, want %q", buf, "payload")
	}
	gotHandles[0].Close()
	_ = wantPath
}

// Invariant 2: after the peer closes, any already-sent-but-unread data
// is still delivered before the shutdown signal.
func TestDispatcher_CloseDeliversBufferedDataBeforeShutdown(t *testing.T) {
	ta, tb := newMemTransportPair()
	rcA := NewRoutedChannel(ta, WithIOTaskRunner(syncTaskRunner{}))
	rcB := NewRoutedChannel(tb, WithIOTaskRunner(syncTaskRunner{}))

	pipeA := NewMessagePipe()
	dispA := NewMessagePipeDispatcher(pipeA, 0, 9, rcA)
	rcA.AddRoute(9, dispA)

	pipeB := NewMessagePipe()
	dispB := NewMessagePipeDispatcher(pipeB, 0, 9, rcB)
	rcB.AddRoute(9, dispB)

	pipeA.WriteMessage(0, []byte("last message"), nil)
	waitForCondition(t, func() bool {
		r, _, _ := pipeB.ReadMessage(0, make([]byte, 1), 0)
		return r == ResultResourceExhausted || r == ResultOK
	})

	if err := dispA.Close(); err != nil {
		t.Fatalf("dispA.Close: %v", err)
	}

	buf := make([]byte, 64)
	res, n, _ := pipeB.ReadMessage(0, buf, 0)
	if res != ResultOK || string(buf[:n]) != "last message" {
		t.Fatalf("buffered read before shutdown: got (%s, %q)", res, buf[:n])
	}

	waitForCondition(t, func() bool {
		res, _, _ := pipeB.ReadMessage(0, buf, 0)
		return res == ResultFailedPrecondition
	})
}

// pumpOutbound's own discard paths (no route bound, or the RoutedChannel
// write itself fails) must count against HandlesClosedLeak exactly the
// same as MessagePipe's own discard paths, since from the application's
// perspective a handle that never reaches the peer is a leak either way.
func TestDispatcher_PumpOutboundDropCountsHandlesClosedLeak(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	ta, _ := newMemTransportPair()
	rc := NewRoutedChannel(ta, WithIOTaskRunner(syncTaskRunner{}), WithMetrics(m))

	pipe := NewMessagePipe()
	disp := NewMessagePipeDispatcher(pipe, 0, 11, rc)
	if err := rc.AddRoute(11, disp); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	// Force rc.WriteMessage to fail without tearing down disp's wire port
	// (that's what OnTransportError would do, racing pumpOutbound's own
	// goroutine) so pumpOutbound's own err-path discard runs deterministically.
	rc.mu.Lock()
	rc.transportDown = true
	rc.mu.Unlock()

	h := NewPlatformHandle(devNullFile(t))
	pipe.WriteMessage(0, []byte("x"), []*PlatformHandle{h})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !h.closed.Load() {
		time.Sleep(time.Millisecond)
	}
	if !h.closed.Load() {
		t.Fatal("pumpOutbound never closed the undeliverable handle")
	}
	if got := testutil.ToFloat64(m.HandlesClosedLeak); got != 1 {
		t.Fatalf("HandlesClosedLeak: got %v, want 1", got)
	}
}

func readEventually(t *testing.T, pipe *MessagePipe, port int, buf []byte) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, n, _ := pipe.ReadMessage(port, buf, 0)
		if res == ResultOK {
			return string(buf[:n])
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("read did not become available before deadline")
	return ""
}
