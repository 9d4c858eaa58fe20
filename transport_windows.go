//go:build windows

package edk

// windowsPipeTransport carries frames and handles over a Windows named
// pipe. Handle transfer on Windows has no SCM_RIGHTS equivalent: each
// handle's raw HANDLE value is written as an 8-byte field after the frame
// payload, and the reader wraps each value it receives as a handle of its
// own process. Nothing in this package calls DuplicateHandle, so a value
// is only valid on the reading side if it is already valid in that
// process. This mirrors the teacher pack's winpipe_factory_windows.go
// build-tag split from its stub counterpart.

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/Microsoft/go-winio"
)

// DialWindowsPipeTransport connects to a named pipe at path (e.g.
// `\\.\pipe\edk-broker`).
func DialWindowsPipeTransport(path string) (Transport, error) {
	conn, err := winio.DialPipe(path, nil)
	if err != nil {
		return nil, fmt.Errorf("edk: dial named pipe %s: %w", path, err)
	}
	return newWindowsPipeTransport(conn), nil
}

type windowsPipeTransport struct {
	conn io.ReadWriteCloser
	send chan Frame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newWindowsPipeTransport(conn io.ReadWriteCloser) *windowsPipeTransport {
	return &windowsPipeTransport{conn: conn, send: make(chan Frame, 256), done: make(chan struct{})}
}

func (t *windowsPipeTransport) Start(d TransportDelegate) {
	t.wg.Add(2)
	go t.writeLoop(d)
	go t.readLoop(d)
}

func (t *windowsPipeTransport) WriteFrame(f Frame) error {
	select {
	case t.send <- f:
		return nil
	case <-t.done:
		return ErrChannelClosed
	}
}

func (t *windowsPipeTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.conn.Close()
	})
	return nil
}

func (t *windowsPipeTransport) writeLoop(d TransportDelegate) {
	defer t.wg.Done()
	for {
		select {
		case f := <-t.send:
			if err := t.writeFrame(f); err != nil {
				d.OnTransportError(err)
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}

// writeFrame encodes the frame header, payload, and — for each handle —
// its raw HANDLE value in this process as an extra 8-byte field appended
// after the payload. The handle is not duplicated here or anywhere else
// in this package.
func (t *windowsPipeTransport) writeFrame(f Frame) error {
	header := encodeFrameHeader(f.RouteID, len(f.Payload), len(f.Handles))
	if _, err := t.conn.Write(header); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := t.conn.Write(f.Payload); err != nil {
			return err
		}
	}
	for _, h := range f.Handles {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(h.FD()))
		if _, err := t.conn.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (t *windowsPipeTransport) readLoop(d TransportDelegate) {
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

func (t *windowsPipeTransport) readFrame() (Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return Frame{}, err
	}
	routeID, payloadLen, numHandles, err := decodeFrameHeader(header)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(t.conn, payload); err != nil {
			return Frame{}, err
		}
	}
	handles := make([]*PlatformHandle, 0, numHandles)
	for i := 0; i < numHandles; i++ {
		var b [8]byte
		if _, err := io.ReadFull(t.conn, b[:]); err != nil {
			return Frame{}, err
		}
		// The HANDLE value carried here is wrapped as-is, as a handle
		// of this process; it is not duplicated on receipt.
		// PlatformHandle wraps it opaquely via its raw value.
		handles = append(handles, platformHandleFromRawWindowsHandle(binary.LittleEndian.Uint64(b[:])))
	}
	return Frame{RouteID: routeID, Payload: payload, Handles: handles}, nil
}
