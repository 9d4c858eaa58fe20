package edk

import (
	"os"
	"sync/atomic"
)

// PlatformHandle is an owned OS handle (a file descriptor, a Windows
// HANDLE surfaced through os.File, or a shared-memory handle) that may be
// attached to a FramedMessage. Ownership is exclusive: a send transfers
// ownership to the receiver, never copies it. Close is idempotent and
// safe to call from concurrent goroutines racing a failure path against
// a normal teardown path (invariant 6 in the spec: no leak, no
// double-close).
type PlatformHandle struct {
	file   *os.File
	closed atomic.Bool
}

// NewPlatformHandle wraps f as an owned handle. f must not be used
// directly by the caller afterward; ownership has moved.
func NewPlatformHandle(f *os.File) *PlatformHandle {
	if f == nil {
		return nil
	}
	return &PlatformHandle{file: f}
}

// File returns the underlying *os.File. The caller does not take
// ownership; use Close (or let the handle be delivered/discarded) to
// release it.
func (h *PlatformHandle) File() *os.File {
	if h == nil {
		return nil
	}
	return h.file
}

// FD returns the raw descriptor/handle value, for transports that need
// it (e.g. to pass via SCM_RIGHTS).
func (h *PlatformHandle) FD() uintptr {
	if h == nil || h.file == nil {
		return ^uintptr(0)
	}
	return h.file.Fd()
}

// Close releases the handle exactly once. Subsequent calls are no-ops,
// which is what makes "close on discard, close on failure, close on
// double-teardown" all safe to call without coordination.
func (h *PlatformHandle) Close() error {
	if h == nil {
		return nil
	}
	if h.closed.Swap(true) {
		return nil
	}
	return h.file.Close()
}

// CloseHandles closes every handle in hs, ignoring individual errors.
// Used on every discard/drop path (§7: handle hygiene) so a message that
// never reaches a dispatcher doesn't leak its attachments.
func CloseHandles(hs []*PlatformHandle) {
	for _, h := range hs {
		_ = h.Close()
	}
}
