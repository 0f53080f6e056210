package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/isdmx/fastgpt/pipeline"
)

var (
	runModelFlag string
	runTestFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Process a single prompt and print the events as JSON lines",
	Long: `Process one turn in a fresh sandbox without starting a server.

Each event is printed on its own line as {"response": ...} or {"code": ...}.

Examples:
  fastgpt run --model llama "print the first ten primes in python"
  fastgpt run --model llama --test`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runModelFlag, "model", "", "Backend name from the configuration")
	runCmd.Flags().BoolVar(&runTestFlag, "test", false, "Use the canned test response instead of calling the model")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	if !runTestFlag && (prompt == "" || runModelFlag == "") {
		return fmt.Errorf("a prompt and --model are required unless --test is set")
	}

	var factory *pipeline.Factory
	app := fx.New(coreModule, fx.Populate(&factory))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	session := factory.NewSession(ctx, uuid.NewString())
	defer func() {
		_ = session.Close(context.Background()).Wait(context.Background())
	}()

	enc := json.NewEncoder(cmd.OutOrStdout())
	sink := pipeline.SinkFunc(func(_ context.Context, e pipeline.Event) error {
		return enc.Encode(e)
	})

	return session.Process(ctx, pipeline.Request{
		Prompt:   prompt,
		Model:    runModelFlag,
		TestMode: runTestFlag,
	}, sink)
}
