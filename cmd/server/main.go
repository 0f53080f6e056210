package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fastgpt",
	Short: "Stream model answers and run the code they contain",
	Long: `fastgpt sends prompts to OpenAI-compatible model backends, streams the
answer back and executes the fenced shell and Python blocks it contains
inside a per-session sandbox container.

Without a subcommand it starts the server on the configured transport.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
