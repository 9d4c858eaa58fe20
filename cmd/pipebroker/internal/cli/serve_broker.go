package cli

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/ascii33/libchrome"
)

var serveBrokerAddr string

var serveBrokerCmd = &cobra.Command{
	Use:   "serve-broker",
	Short: "Run a BrokerHost that introduces connecting child processes to each other",
	RunE:  runServeBroker,
}

func init() {
	serveBrokerCmd.Flags().StringVar(&serveBrokerAddr, "addr", "127.0.0.1:7070", "address to listen on for child connections")
}

func runServeBroker(cmd *cobra.Command, args []string) error {
	if err := initLogging(); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	ln, err := net.Listen("tcp", serveBrokerAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", serveBrokerAddr, err)
	}
	defer ln.Close()

	edk.Logger().Sugar().Infof("broker listening on %s", ln.Addr())

	host := edk.NewBrokerHost()
	return host.Serve(ln)
}
