package edk

// BrokerHost and BrokerClient implement the introduction protocol between
// sibling processes, grounded on child_broker_host.h: a child connects to
// exactly one BrokerHost (run by the parent process), announces its
// ProcessId and a dial address, and can then ask the broker to introduce
// it to another child (ConnectToProcess) or tell the broker it is offering
// a specific pipe id to a specific peer, which the broker relays to that
// peer (ConnectMessagePipe).
//
// Unlike application pipe traffic, the broker protocol does not ride a
// RoutedChannel — mirroring the original's use of a distinct platform
// channel for child_broker_host traffic — so it is framed independently
// here with its own small request/response correlation table, modeled
// after (but far lighter than) the teacher's sharded RequestManager:
// broker calls are cold relative to pipe message traffic, so one mutex
// and one map is enough (see DESIGN.md Open Questions).

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// defaultMaxConcurrentChildren bounds how many child connections a
// BrokerHost services at once, the same kind of backpressure a pipe
// throttle package applies to message flow — a host introducing
// thousands of children at once shouldn't spin up thousands of
// unbounded handler goroutines.
const defaultMaxConcurrentChildren = 4096

type brokerOp byte

const (
	brokerOpHello brokerOp = iota + 1
	brokerOpConnectToProcess
	brokerOpProcessInfo
	brokerOpConnectMessagePipe
	brokerOpAck
	brokerOpError
)

// brokerMessage is the single wire type exchanged between BrokerHost and
// BrokerClient. Not every field is populated for every Op.
type brokerMessage struct {
	RequestID uint64
	Op        brokerOp
	ProcessID ProcessId
	PeerID    ProcessId
	PipeID    uint64
	Addr      string
	ErrMsg    string
}

func writeBrokerMessage(w *bufio.Writer, m brokerMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}

func readBrokerMessageBuf(r *bufio.Reader) (brokerMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return brokerMessage{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return brokerMessage{}, err
	}
	var m brokerMessage
	if err := json.Unmarshal(buf, &m); err != nil {
		return brokerMessage{}, err
	}
	return m, nil
}

// BrokerHost runs in the parent process and introduces the child
// processes connected to it to each other. One BrokerHost instance serves
// every connected child; child_broker_host.h instead has one
// ChildBrokerHost per child, but the bookkeeping (a process-id-to-address
// table, request forwarding) is identical, just consolidated under one
// lock here rather than spread across N self-deleting objects.
type BrokerHost struct {
	mu       sync.Mutex
	children map[ProcessId]*brokerChildConn
	logger   *zap.Logger
	sem      *semaphore.Weighted
}

type brokerChildConn struct {
	pid  ProcessId
	addr string
	conn net.Conn
	w    *bufio.Writer
	wmu  sync.Mutex
}

func (c *brokerChildConn) send(m brokerMessage) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeBrokerMessage(c.w, m)
}

// NewBrokerHost returns an empty BrokerHost.
func NewBrokerHost() *BrokerHost {
	return &BrokerHost{
		children: make(map[ProcessId]*brokerChildConn),
		logger:   Logger().Named("broker_host"),
		sem:      semaphore.NewWeighted(defaultMaxConcurrentChildren),
	}
}

// Serve accepts child connections on ln until it returns an error (e.g.
// because ln was closed). Each accepted connection is handled on its own
// goroutine until the child disconnects, at which point its entry is
// removed — the Go equivalent of ChildBrokerHost self-deleting on a
// broken pipe. Each accepted connection holds one unit of h.sem until the
// child disconnects, which bounds how many children are serviced at once;
// once the limit is reached the accept loop blocks on the semaphore and
// further connections wait in the kernel backlog.
func (h *BrokerHost) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if err := h.sem.Acquire(context.Background(), 1); err != nil {
			conn.Close()
			continue
		}
		go func() {
			defer h.sem.Release(1)
			h.handleChild(conn)
		}()
	}
}

func (h *BrokerHost) handleChild(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	hello, err := readBrokerMessageBuf(r)
	if err != nil || hello.Op != brokerOpHello {
		h.logger.Warn("broker: child did not send HELLO", zap.Error(err))
		conn.Close()
		return
	}

	child := &brokerChildConn{pid: hello.ProcessID, addr: hello.Addr, conn: conn, w: w}
	h.mu.Lock()
	h.children[hello.ProcessID] = child
	h.mu.Unlock()
	h.logger.Info("broker: child connected", zap.String("process_id", hello.ProcessID.String()), zap.String("addr", hello.Addr))

	defer func() {
		h.mu.Lock()
		if h.children[hello.ProcessID] == child {
			delete(h.children, hello.ProcessID)
		}
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("broker: child disconnected", zap.String("process_id", hello.ProcessID.String()))
	}()

	for {
		msg, err := readBrokerMessageBuf(r)
		if err != nil {
			return
		}
		h.dispatch(child, msg)
	}
}

func (h *BrokerHost) dispatch(from *brokerChildConn, msg brokerMessage) {
	switch msg.Op {
	case brokerOpConnectToProcess:
		h.mu.Lock()
		peer, ok := h.children[msg.PeerID]
		h.mu.Unlock()
		if !ok {
			from.send(brokerMessage{RequestID: msg.RequestID, Op: brokerOpError, ErrMsg: "unknown process id"})
			return
		}
		from.send(brokerMessage{RequestID: msg.RequestID, Op: brokerOpProcessInfo, PeerID: peer.pid, Addr: peer.addr})

	case brokerOpConnectMessagePipe:
		h.mu.Lock()
		peer, ok := h.children[msg.PeerID]
		h.mu.Unlock()
		if !ok {
			from.send(brokerMessage{RequestID: msg.RequestID, Op: brokerOpError, ErrMsg: "unknown process id"})
			return
		}
		// Tell the peer it should expect pipeID from `from`'s process.
		if err := peer.send(brokerMessage{Op: brokerOpConnectMessagePipe, ProcessID: from.pid, PipeID: msg.PipeID}); err != nil {
			from.send(brokerMessage{RequestID: msg.RequestID, Op: brokerOpError, ErrMsg: err.Error()})
			return
		}
		from.send(brokerMessage{RequestID: msg.RequestID, Op: brokerOpAck})

	default:
		h.logger.Warn("broker: unexpected op from child", zap.Int("op", int(msg.Op)))
	}
}

// BrokerClient is the per-process handle to a BrokerHost: one instance per
// process, used to introduce this process to others and to announce
// incoming pipe connections.
type BrokerClient struct {
	pid ProcessId

	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	wmu  sync.Mutex

	nextReqID atomic.Uint64
	pending   sync.Map // map[uint64]chan brokerMessage

	// OnConnectMessagePipe is invoked (on the client's own read goroutine)
	// whenever the broker relays a peer's CONNECT_MESSAGE_PIPE
	// announcement to this process — i.e. "expect pipeID from fromPID".
	// The handler is expected to call a Registry/RoutedChannel AddRoute
	// as appropriate; it runs synchronously on the read loop, so it
	// should not block.
	OnConnectMessagePipe func(fromPID ProcessId, pipeID uint64)

	logger *zap.Logger
}

// DialBroker connects to a BrokerHost at addr and announces self as pid,
// advertising advertiseAddr as the address other processes should dial to
// reach this one directly.
func DialBroker(addr string, pid ProcessId, advertiseAddr string) (*BrokerClient, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("edk: dial broker %s: %w", addr, err)
	}
	c := &BrokerClient{
		pid:    pid,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		logger: Logger().Named("broker_client"),
	}
	if err := writeBrokerMessage(c.w, brokerMessage{Op: brokerOpHello, ProcessID: pid, Addr: advertiseAddr}); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *BrokerClient) readLoop() {
	for {
		msg, err := readBrokerMessageBuf(c.r)
		if err != nil {
			c.logger.Info("broker client: connection closed", zap.Error(err))
			return
		}
		if msg.Op == brokerOpConnectMessagePipe {
			if c.OnConnectMessagePipe != nil {
				c.OnConnectMessagePipe(msg.ProcessID, msg.PipeID)
			}
			continue
		}
		if ch, ok := c.pending.LoadAndDelete(msg.RequestID); ok {
			ch.(chan brokerMessage) <- msg
		}
	}
}

func (c *BrokerClient) roundTrip(m brokerMessage) (brokerMessage, error) {
	reqID := c.nextReqID.Add(1)
	m.RequestID = reqID
	ch := make(chan brokerMessage, 1)
	c.pending.Store(reqID, ch)

	c.wmu.Lock()
	err := writeBrokerMessage(c.w, m)
	c.wmu.Unlock()
	if err != nil {
		c.pending.Delete(reqID)
		return brokerMessage{}, err
	}

	select {
	case resp := <-ch:
		if resp.Op == brokerOpError {
			return brokerMessage{}, fmt.Errorf("edk: broker error: %s", resp.ErrMsg)
		}
		return resp, nil
	case <-time.After(10 * time.Second):
		c.pending.Delete(reqID)
		return brokerMessage{}, fmt.Errorf("edk: broker request timed out")
	}
}

// ConnectToProcess asks the broker for peerID's advertised dial address.
func (c *BrokerClient) ConnectToProcess(peerID ProcessId) (addr string, err error) {
	resp, err := c.roundTrip(brokerMessage{Op: brokerOpConnectToProcess, ProcessID: c.pid, PeerID: peerID})
	if err != nil {
		return "", err
	}
	return resp.Addr, nil
}

// ConnectMessagePipe tells the broker that pipeID is being offered to
// peerID: the broker relays this to peerID's BrokerClient, which invokes
// its OnConnectMessagePipe handler.
func (c *BrokerClient) ConnectMessagePipe(pipeID uint64, peerID ProcessId) error {
	_, err := c.roundTrip(brokerMessage{Op: brokerOpConnectMessagePipe, ProcessID: c.pid, PeerID: peerID, PipeID: pipeID})
	return err
}

// Close disconnects from the broker.
func (c *BrokerClient) Close() error {
	return c.conn.Close()
}
