//go:build !windows

package edk

import (
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// newUnixTransportPair creates a real, connected AF_UNIX SOCK_STREAM
// socketpair and wraps each end as a unixTransport, the way two
// processes' RoutedChannels sit on either side of a real connection
// (unlike dispatcher_test.go's newMemTransportPair, which only ever
// passes *PlatformHandle pointers in-process). This is the only path
// that exercises real SCM_RIGHTS fd passing.
func newUnixTransportPair(t *testing.T) (Transport, Transport) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	connA := fileToUnixConn(t, fds[0], "a")
	connB := fileToUnixConn(t, fds[1], "b")
	return NewUnixTransport(connA), NewUnixTransport(connB)
}

func fileToUnixConn(t *testing.T, fd int, name string) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "socketpair-"+name)
	conn, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	f.Close() // FileConn dup'd the fd; this copy is no longer needed
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		t.Fatalf("FileConn returned %T, want *net.UnixConn", conn)
	}
	return uc
}

type capturingDelegate struct {
	frames chan Frame
	errs   chan error
}

func newCapturingDelegate() *capturingDelegate {
	return &capturingDelegate{frames: make(chan Frame, 8), errs: make(chan error, 8)}
}

func (d *capturingDelegate) OnReadFrame(f Frame)      { d.frames <- f }
func (d *capturingDelegate) OnTransportError(e error) { d.errs <- e }

// Invariant 6 / testable property 4, over the real SCM_RIGHTS backend: a
// handle attached to a frame written on one end of a real socketpair is
// observed on the other end referring to the same kernel object (proven
// by reading back file content written before the send), and the
// sender's local handle is closed once the write completes — exactly
// the handle round trip dispatcher_test.go proves over the in-memory
// transport, but here over real fd passing instead of pointer passing.
func TestUnixTransport_HandleRoundTripOverRealSocketpair(t *testing.T) {
	sendSide, recvSide := newUnixTransportPair(t)
	defer sendSide.Close()
	defer recvSide.Close()

	sendDelegate := newCapturingDelegate()
	recvDelegate := newCapturingDelegate()
	sendSide.Start(sendDelegate)
	recvSide.Start(recvDelegate)

	f, err := os.CreateTemp(t.TempDir(), "edk-unix-handle-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString("kernel-object"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	h := NewPlatformHandle(f)

	if err := sendSide.WriteFrame(Frame{RouteID: 3, Payload: []byte("withFD"), Handles: []*PlatformHandle{h}}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case got := <-recvDelegate.frames:
		if string(got.Payload) != "withFD" {
			t.Fatalf("payload: got %q, want %q", got.Payload, "withFD")
		}
		if len(got.Handles) != 1 {
			t.Fatalf("got %d handles, want 1", len(got.Handles))
		}
		buf := make([]byte, len("kernel-object"))
		if _, err := got.Handles[0].File().ReadAt(buf, 0); err != nil {
			t.Fatalf("read via delivered handle: %v", err)
		}
		if string(buf) != "kernel-object" {
			t.Fatalf("delivered handle content: got %q, want %q", buf, "kernel-object")
		}
		got.Handles[0].Close()
	case err := <-recvDelegate.errs:
		t.Fatalf("recv side transport error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("frame was never delivered")
	}

	// writeLoop closes every frame's handles right after the sendmsg
	// succeeds (ownership transferred on the wire); the sender's copy
	// must not still be usable.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !h.closed.Load() {
		time.Sleep(time.Millisecond)
	}
	if !h.closed.Load() {
		t.Fatal("sender's handle was never closed after transfer")
	}
}

// A payload and header large enough that, on most platforms, a single
// recvmsg on a SOCK_STREAM socket cannot deliver it in one call — this
// is what readPayload's reassembly loop exists for.
func TestUnixTransport_LargePayloadRoundTrip(t *testing.T) {
	sendSide, recvSide := newUnixTransportPair(t)
	defer sendSide.Close()
	defer recvSide.Close()

	recvDelegate := newCapturingDelegate()
	sendSide.Start(newCapturingDelegate())
	recvSide.Start(recvDelegate)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := sendSide.WriteFrame(Frame{RouteID: 7, Payload: payload}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case got := <-recvDelegate.frames:
		if len(got.Payload) != len(payload) {
			t.Fatalf("payload length: got %d, want %d", len(got.Payload), len(payload))
		}
		for i := range payload {
			if got.Payload[i] != payload[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
	case err := <-recvDelegate.errs:
		t.Fatalf("recv side transport error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("large frame was never delivered")
	}
}
