package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isdmx/fastgpt/config"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the configured model backends",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		registry, err := config.NewRegistry(cfg)
		if err != nil {
			return err
		}
		for _, name := range registry.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
