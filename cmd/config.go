package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func createConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults, file and environment are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := conf.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	return configCmd
}
