// Command host runs a single lattice host process: bus adapter, state
// store, link resolver, policy gate, config bundler, component and
// provider supervisors, invocation router, control plane, and reconciler,
// wired together and served until an interrupt signal arrives.
package main

import (
	"fmt"
	"os"

	"github.com/latticerun/host/cmd/host/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
