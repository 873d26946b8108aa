// Command edge is the Singularity Edge binary: load configuration, wire
// up the core (pools, health checks, listeners, admin API, optional
// clustering) and run until a shutdown signal arrives.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "edge",
		Short: "Singularity Edge reverse proxy and load balancer",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("edge %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
