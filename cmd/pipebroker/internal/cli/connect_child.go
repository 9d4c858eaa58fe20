package cli

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ascii33/libchrome"
)

var (
	connectBrokerAddr string
	connectListenAddr string
	connectPeer       string
	connectMessage    string
)

var connectChildCmd = &cobra.Command{
	Use:   "connect-child",
	Short: "Connect to a broker, optionally open a pipe to a named peer, and send a message",
	RunE:  runConnectChild,
}

// demoPipeID is the single well-known pipe id this demo harness opens
// between the two sides of a --peer connection. A real embedder assigns
// pipe ids per logical stream; this CLI only ever needs one.
const demoPipeID = 1

func init() {
	connectChildCmd.Flags().StringVar(&connectBrokerAddr, "broker", "127.0.0.1:7070", "address of the BrokerHost to connect to")
	connectChildCmd.Flags().StringVar(&connectListenAddr, "listen", "127.0.0.1:0", "address this child listens on for peer pipe connections")
	connectChildCmd.Flags().StringVar(&connectPeer, "peer", "", "process id of a peer to open a pipe to (as printed in that peer's own startup log)")
	connectChildCmd.Flags().StringVar(&connectMessage, "message", "hello from pipebroker", "message to write once the pipe to --peer is established")
}

func runConnectChild(cmd *cobra.Command, args []string) error {
	if err := initLogging(); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := edk.Logger().Sugar()

	pid := edk.NewProcessId()
	log.Infof("this process id: %s", pid)

	ln, err := net.Listen("tcp", connectListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", connectListenAddr, err)
	}
	defer ln.Close()
	log.Infof("listening for peer pipe connections on %s", ln.Addr())

	registry := edk.NewRegistry()

	bc, err := edk.DialBroker(connectBrokerAddr, pid, ln.Addr().String())
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer bc.Close()

	bc.OnConnectMessagePipe = func(fromPID edk.ProcessId, pipeID uint64) {
		log.Infof("broker says: expect pipe %d from process %s", pipeID, fromPID)
	}

	go acceptPeerConnections(ln, registry, log)

	if connectPeer != "" {
		if err := openPipeToPeer(bc, registry, connectPeer, log); err != nil {
			log.Errorf("open pipe to peer: %v", err)
		}
	}

	// Keep the process alive so its listener and broker connection stay
	// up for peers to reach it.
	select {}
}

// acceptPeerConnections handles the passive side of a pipe connection: a
// peer dialed us after the broker told it our address. We bind the same
// demoPipeID the dialing side opens and echo back whatever arrives,
// giving --message round trip visibility on both ends of the demo.
func acceptPeerConnections(ln net.Listener, registry *edk.Registry, log *zap.SugaredLogger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		transport := edk.NewTCPTransport(conn)
		rc := edk.NewRoutedChannel(transport)
		log.Infof("accepted peer pipe connection from %s", conn.RemoteAddr())

		pipe := edk.NewMessagePipe()
		const appPort = 0
		dispatcher := edk.NewMessagePipeDispatcher(pipe, appPort, demoPipeID, rc)
		if err := rc.AddRoute(demoPipeID, dispatcher); err != nil {
			log.Errorf("add route for accepted connection: %v", err)
			continue
		}
		go echoLoop(pipe, appPort, log)
	}
}

func parseProcessId(s string) (edk.ProcessId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return edk.ProcessId{}, fmt.Errorf("parse process id %q: %w", s, err)
	}
	return edk.ProcessId(u), nil
}

// openPipeToPeer dials peerStr directly (after asking the broker for its
// address), opens demoPipeID over a fresh RoutedChannel to it, announces
// the pipe via ConnectMessagePipe, writes --message once, then logs
// whatever comes back.
func openPipeToPeer(bc *edk.BrokerClient, registry *edk.Registry, peerStr string, log *zap.SugaredLogger) error {
	peerID, err := parseProcessId(peerStr)
	if err != nil {
		return err
	}

	addr, err := bc.ConnectToProcess(peerID)
	if err != nil {
		return fmt.Errorf("ask broker for %s: %w", peerID, err)
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial peer at %s: %w", addr, err)
	}

	transport := edk.NewTCPTransport(conn)
	rc := edk.NewRoutedChannel(transport)
	registry.Put(peerID, rc)

	const appPort = 0
	pipe := edk.NewMessagePipe()
	dispatcher := edk.NewMessagePipeDispatcher(pipe, appPort, demoPipeID, rc)
	if err := rc.AddRoute(demoPipeID, dispatcher); err != nil {
		return fmt.Errorf("add route: %w", err)
	}

	if err := bc.ConnectMessagePipe(demoPipeID, peerID); err != nil {
		return fmt.Errorf("announce pipe to broker: %w", err)
	}

	if r := pipe.WriteMessage(appPort, []byte(connectMessage), nil); r != edk.ResultOK {
		return fmt.Errorf("write message: %s", r)
	}
	log.Infof("sent %q to peer %s over pipe %d", connectMessage, peerID, demoPipeID)

	go logReplies(pipe, appPort, log)
	return nil
}

// logReplies polls appPort for inbound reads and logs them. A real
// embedder would use AddWaiter instead of polling; this demo favors
// readability over an extra goroutine-per-wait wrinkle.
func logReplies(pipe *edk.MessagePipe, appPort int, log *zap.SugaredLogger) {
	buf := make([]byte, 64*1024)
	for {
		res, n, _ := pipe.ReadMessage(appPort, buf, edk.ReadFlagMayDiscard)
		switch res {
		case edk.ResultOK:
			log.Infof("received: %s", string(buf[:n]))
		case edk.ResultFailedPrecondition:
			log.Info("pipe closed by peer, stopping reply listener")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// echoLoop reads whatever arrives on appPort and writes it straight back,
// for the accepting side of the demo.
func echoLoop(pipe *edk.MessagePipe, appPort int, log *zap.SugaredLogger) {
	buf := make([]byte, 64*1024)
	for {
		res, n, handles := pipe.ReadMessage(appPort, buf, edk.ReadFlagMayDiscard)
		switch res {
		case edk.ResultOK:
			log.Infof("echoing: %s", string(buf[:n]))
			pipe.WriteMessage(appPort, buf[:n], handles)
		case edk.ResultFailedPrecondition:
			log.Info("pipe closed by peer, stopping echo loop")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}
