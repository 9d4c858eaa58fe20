package edk

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestBrokerHost(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host := NewBrokerHost()
	go host.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr()
}

func TestBroker_ConnectToProcessResolvesAdvertisedAddr(t *testing.T) {
	addr := startTestBrokerHost(t)

	pidA := NewProcessId()
	clientA, err := DialBroker(addr.String(), pidA, "127.0.0.1:9001")
	require.NoError(t, err)
	defer clientA.Close()

	pidB := NewProcessId()
	clientB, err := DialBroker(addr.String(), pidB, "127.0.0.1:9002")
	require.NoError(t, err)
	defer clientB.Close()

	// Give both HELLOs time to be processed by the host before resolving.
	time.Sleep(50 * time.Millisecond)

	gotAddr, err := clientA.ConnectToProcess(pidB)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9002", gotAddr)
}

func TestBroker_ConnectToProcessUnknownPeerErrors(t *testing.T) {
	addr := startTestBrokerHost(t)

	pidA := NewProcessId()
	clientA, err := DialBroker(addr.String(), pidA, "127.0.0.1:9003")
	require.NoError(t, err)
	defer clientA.Close()

	time.Sleep(50 * time.Millisecond)

	_, err = clientA.ConnectToProcess(NewProcessId())
	require.Error(t, err)
}

func TestBroker_ConnectMessagePipeNotifiesPeer(t *testing.T) {
	addr := startTestBrokerHost(t)

	pidA := NewProcessId()
	clientA, err := DialBroker(addr.String(), pidA, "127.0.0.1:9004")
	require.NoError(t, err)
	defer clientA.Close()

	pidB := NewProcessId()
	clientB, err := DialBroker(addr.String(), pidB, "127.0.0.1:9005")
	require.NoError(t, err)
	defer clientB.Close()

	notified := make(chan uint64, 1)
	clientB.OnConnectMessagePipe = func(fromPID ProcessId, pipeID uint64) {
		require.Equal(t, pidA, fromPID)
		notified <- pipeID
	}

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, clientA.ConnectMessagePipe(77, pidB))

	select {
	case pipeID := <-notified:
		require.Equal(t, uint64(77), pipeID)
	case <-time.After(2 * time.Second):
		t.Fatal("peer was never notified of the pipe")
	}
}

// Every accepted connection holds a unit of BrokerHost.sem for its
// lifetime; a burst of connections well under the limit should all be
// admitted and resolvable once their HELLO is processed.
func TestBroker_ConcurrentConnectsAllResolve(t *testing.T) {
	addr := startTestBrokerHost(t)

	const n = 8
	pids := make([]ProcessId, n)
	clients := make([]*BrokerClient, n)
	for i := 0; i < n; i++ {
		pids[i] = NewProcessId()
		c, err := DialBroker(addr.String(), pids[i], "127.0.0.1:0")
		require.NoError(t, err)
		clients[i] = c
		defer c.Close()
	}

	time.Sleep(100 * time.Millisecond)

	for i := 1; i < n; i++ {
		_, err := clients[0].ConnectToProcess(pids[i])
		require.NoError(t, err)
	}
}
