// Command carpoolctl is the operator tool for a carpool deployment: it
// mints and inspects email action tokens and triggers the scheduled passes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "carpoolctl",
		Short:         "Operate a carpool itinerary service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(tokenCmd())
	root.AddCommand(cronCmd())
	return root
}
