// Command rrdpworker is the worker-side half of the control channel:
// it loads configuration, starts the Scheduler against a framed Unix
// socket connection, and exits when the parent disconnects or the
// process receives a shutdown signal.
package main

import (
	"fmt"
	"os"

	"github.com/rpki-tools/rrdpworker/cmd/rrdpworker/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
