// Package cli defines the host binary's cobra command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X .../cli.Version=...".
var Version = "dev"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "host",
		Short:         "Run and inspect a lattice host process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the host command tree, returning any error the selected
// subcommand produced.
func Execute() error {
	return newRootCmd().Execute()
}
