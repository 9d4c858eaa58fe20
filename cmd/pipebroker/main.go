// Command pipebroker is a small demo harness for the edk package: it can
// run as a BrokerHost ("serve-broker") that introduces child processes to
// each other, or as a child ("connect-child") that dials the broker,
// opens a message pipe to a named peer process, and exchanges a line of
// text over it.
package main

import (
	"fmt"
	"os"

	"github.com/ascii33/libchrome/cmd/pipebroker/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
