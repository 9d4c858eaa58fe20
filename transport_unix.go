//go:build !windows

package edk

// unixTransport carries frames (and, unlike tcpTransport, platform
// handles) over a Unix domain socket using SCM_RIGHTS ancillary data.
// This is the production handle-transfer backend on Linux/macOS; the
// Windows backend (transport_windows.go) carries raw HANDLE values over a
// named pipe instead, mirroring the teacher pack's own stub/platform
// split (winpipe_factory_stub.go / winpipe_factory_windows.go).

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const unixMaxFDsPerFrame = DefaultMaxMessageHandles

// NewUnixTransport wraps a *net.UnixConn as a Transport. The conn must
// support SyscallConn (true for *net.UnixConn).
func NewUnixTransport(conn *net.UnixConn) Transport {
	return &unixTransport{conn: conn, send: make(chan Frame, 256), done: make(chan struct{}), logger: Logger().Named("unix_transport")}
}

// DialUnixTransport connects to a Unix domain socket at path.
func DialUnixTransport(path string) (Transport, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("edk: unix dial %s: %w", path, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("edk: unexpected conn type %T", conn)
	}
	return NewUnixTransport(uc), nil
}

type unixTransport struct {
	conn *net.UnixConn
	send chan Frame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	logger *zap.Logger
}

func (t *unixTransport) Start(d TransportDelegate) {
	t.wg.Add(2)
	go t.writeLoop(d)
	go t.readLoop(d)
}

func (t *unixTransport) WriteFrame(f Frame) error {
	if len(f.Handles) > unixMaxFDsPerFrame {
		return fmt.Errorf("edk: %d handles exceeds unix transport limit %d", len(f.Handles), unixMaxFDsPerFrame)
	}
	select {
	case t.send <- f:
		return nil
	case <-t.done:
		return ErrChannelClosed
	}
}

func (t *unixTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.conn.Close()
	})
	return nil
}

func (t *unixTransport) writeLoop(d TransportDelegate) {
	defer t.wg.Done()
	for {
		select {
		case f := <-t.send:
			if err := t.writeFrame(f); err != nil {
				t.logger.Warn("unix transport write failed", zap.Error(err))
				d.OnTransportError(err)
				CloseHandles(f.Handles)
				t.Close()
				return
			}
			CloseHandles(f.Handles) // ownership transferred on the wire; local fds no longer needed
		case <-t.done:
			return
		}
	}
}

func (t *unixTransport) writeFrame(f Frame) error {
	header := encodeFrameHeader(f.RouteID, len(f.Payload), len(f.Handles))
	buf := append(header, f.Payload...)

	rawConn, err := t.conn.SyscallConn()
	if err != nil {
		return err
	}

	var oob []byte
	if len(f.Handles) > 0 {
		fds := make([]int, len(f.Handles))
		for i, h := range f.Handles {
			fds[i] = int(h.FD())
		}
		oob = unix.UnixRights(fds...)
	}

	// A large frame may not fit the socket buffer in one sendmsg: keep
	// sending the rest, and on EAGAIN let the poller wait for writability.
	// The rights travel with the first chunk that is accepted.
	var sent int
	var writeErr error
	ctrlErr := rawConn.Write(func(fd uintptr) bool {
		for sent < len(buf) {
			n, _, err := unixWriteMsg(int(fd), buf[sent:], oob)
			if err == unix.EAGAIN {
				return false
			}
			if err != nil {
				writeErr = err
				return true
			}
			sent += n
			oob = nil
		}
		return true
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return writeErr
}

func unixWriteMsg(fd int, p, oob []byte) (n, oobn int, err error) {
	n, err = unix.SendmsgN(fd, p, oob, nil, 0)
	if err == nil {
		oobn = len(oob)
	}
	return n, oobn, err
}

func (t *unixTransport) readLoop(d TransportDelegate) {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		default:
		}
		f, err := t.readFrame()
		if err != nil {
			select {
			case <-t.done:
			default:
				d.OnTransportError(err)
			}
			t.Close()
			return
		}
		d.OnReadFrame(f)
	}
}

func (t *unixTransport) readFrame() (Frame, error) {
	headerBuf := make([]byte, frameHeaderSize)
	oobSpace := unix.CmsgSpace(unixMaxFDsPerFrame * 4)
	oobBuf := make([]byte, oobSpace)

	rawConn, err := t.conn.SyscallConn()
	if err != nil {
		return Frame{}, err
	}

	var n, oobn int
	var readErr error
	ctrlErr := rawConn.Read(func(fd uintptr) bool {
		n, oobn, _, _, readErr = unix.Recvmsg(int(fd), headerBuf, oobBuf, 0)
		if readErr == unix.EAGAIN {
			return false
		}
		return true
	})
	if ctrlErr != nil {
		return Frame{}, ctrlErr
	}
	if readErr != nil {
		return Frame{}, readErr
	}
	if n < frameHeaderSize {
		return Frame{}, fmt.Errorf("edk: short unix frame header (%d bytes)", n)
	}

	routeID, payloadLen, numHandles, err := decodeFrameHeader(headerBuf)
	if err != nil {
		return Frame{}, err
	}

	var handles []*PlatformHandle
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oobBuf[:oobn])
		if err == nil {
			for _, scm := range scms {
				fds, err := unix.ParseUnixRights(&scm)
				if err != nil {
					continue
				}
				for _, fd := range fds {
					handles = append(handles, NewPlatformHandle(os.NewFile(uintptr(fd), "edk-handle")))
				}
			}
		}
	}
	if len(handles) != numHandles {
		t.logger.Warn("unix transport handle count mismatch", zap.Int("want", numHandles), zap.Int("got", len(handles)))
	}

	// A single recvmsg on a SOCK_STREAM socket can return a short payload
	// read same as a plain stream read, and writeFrame may have needed
	// several sendmsg calls for a large frame; readPayload loops, through
	// the same rawConn used above, until the whole payload has arrived.
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if err := readPayload(rawConn, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{RouteID: routeID, Payload: payload, Handles: handles}, nil
}

// readPayload fills buf via rawConn.Read, reassembling a payload that
// arrives across multiple recvmsg calls instead of bypassing the runtime
// poller with a raw syscall on the fd. The callback may be invoked more
// than once by the runtime: returning false tells it the fd isn't done
// yet (EAGAIN) and to retry once it's readable again; returning true ends
// the Read call, whether because buf is full or because a fatal error
// occurred.
func readPayload(rawConn syscall.RawConn, buf []byte) error {
	var done int
	var readErr error
	ctrlErr := rawConn.Read(func(fd uintptr) bool {
		for done < len(buf) {
			m, _, _, _, err := unix.Recvmsg(int(fd), buf[done:], nil, 0)
			if err != nil {
				if err == unix.EAGAIN {
					return false
				}
				readErr = err
				return true
			}
			if m == 0 {
				readErr = io.ErrUnexpectedEOF
				return true
			}
			done += m
		}
		return true
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return readErr
}
