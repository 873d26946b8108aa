package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"singularityedge/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	}
}
