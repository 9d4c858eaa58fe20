package edk

// tcpTransport is a data-only Transport over a single net.Conn: two
// processes on different hosts exchanging pipes whose messages never
// carry platform handles (handles cannot cross a TCP socket). Structured
// the way the teacher's transport.go runs a TCP peer connection: a
// dedicated writer goroutine draining a send channel, read/write
// deadlines refreshed off the coarse clock rather than per frame, and a
// single conn teardown path shared by both the read and write sides.
//
// WriteFrame rejects any Frame carrying handles outright — callers that
// need handle transfer must use unixTransport or the Windows named-pipe
// backend.

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	tcpDialTimeout    = 5 * time.Second
	tcpWriteTimeout   = 5 * time.Second
	tcpReadTimeout    = 30 * time.Second
	tcpSendBufferSize = 4096
	tcpMaxFrameBytes  = 16 << 20
)

// DialTCPTransport connects to addr and returns a Transport over the
// resulting connection.
func DialTCPTransport(addr string) (Transport, error) {
	conn, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("edk: tcp dial %s: %w", addr, err)
	}
	return newTCPTransport(conn), nil
}

// NewTCPTransport wraps an already-established net.Conn (e.g. one
// returned from net.Listener.Accept) as a Transport.
func NewTCPTransport(conn net.Conn) Transport {
	return newTCPTransport(conn)
}

type tcpTransport struct {
	conn net.Conn
	send chan Frame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	logger *zap.Logger
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{
		conn:   conn,
		send:   make(chan Frame, tcpSendBufferSize),
		done:   make(chan struct{}),
		logger: Logger().Named("tcp_transport"),
	}
}

func (t *tcpTransport) Start(d TransportDelegate) {
	t.wg.Add(2)
	go t.writeLoop(d)
	go t.readLoop(d)
}

func (t *tcpTransport) WriteFrame(f Frame) error {
	if len(f.Handles) > 0 {
		return fmt.Errorf("edk: tcp transport cannot carry platform handles (route %d)", f.RouteID)
	}
	select {
	case t.send <- f:
		return nil
	case <-t.done:
		return ErrChannelClosed
	}
}

func (t *tcpTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.conn.Close()
	})
	return nil
}

func (t *tcpTransport) writeLoop(d TransportDelegate) {
	defer t.wg.Done()
	var lastDeadline int64
	for {
		select {
		case f := <-t.send:
			now := coarseNow.Load()
			if now-lastDeadline >= int64(2*time.Second) {
				t.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
				lastDeadline = now
			}
			if err := writeTCPFrame(t.conn, f); err != nil {
				t.logger.Warn("tcp write failed", zap.Error(err))
				d.OnTransportError(err)
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *tcpTransport) readLoop(d TransportDelegate) {
	defer t.wg.Done()
	r := bufio.NewReaderSize(t.conn, 65536)
	var lastDeadline int64
	for {
		select {
		case <-t.done:
			return
		default:
		}
		now := coarseNow.Load()
		if now-lastDeadline >= int64(10*time.Second) {
			t.conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
			lastDeadline = now
		}
		f, err := readTCPFrame(r)
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

func writeTCPFrame(w io.Writer, f Frame) error {
	header := encodeFrameHeader(f.RouteID, len(f.Payload), 0)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("edk: tcp frame header write: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

func readTCPFrame(r io.Reader) (Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	routeID, payloadLen, _, err := decodeFrameHeader(header)
	if err != nil {
		return Frame{}, err
	}
	if payloadLen > tcpMaxFrameBytes {
		return Frame{}, fmt.Errorf("edk: tcp frame too large (%d bytes)", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("edk: tcp frame payload: %w", err)
		}
	}
	return Frame{RouteID: routeID, Payload: payload}, nil
}
