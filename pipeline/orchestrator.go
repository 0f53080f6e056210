package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/codeblock"
	"github.com/isdmx/fastgpt/model"
	"github.com/isdmx/fastgpt/sandbox"
)

// ResponseLogName is the file the last full response is written to
const ResponseLogName = "test_input.log"

// Separator follows the output of every shell block
var Separator = strings.Repeat("=", 50)

// ModelClient streams completion deltas
type ModelClient interface {
	SendPrompt(ctx context.Context, prompt, modelName string) (<-chan model.Delta, error)
}

// Sandbox runs code for one session
type Sandbox interface {
	ExecuteBash(ctx context.Context, command string) (<-chan string, error)
	ExecutePythonString(ctx context.Context, code string) (int, string, error)
	InstallPackages(ctx context.Context, packages []string) <-chan sandbox.InstallResult
}

// Vetter checks and prepares Python blocks
type Vetter interface {
	IsValid(ctx context.Context, code string) bool
	Format(ctx context.Context, code string) (string, error)
	Imports(ctx context.Context, code string) []string
	Analyze(ctx context.Context, code string) (codeblock.Analysis, error)
}

// TestInputSource provides the canned test-mode response
type TestInputSource interface {
	TestInput() string
}

// Orchestrator drives one turn: stream the model output, then run the code
// blocks it contains one at a time.
type Orchestrator struct {
	logger     *zap.Logger
	model      ModelClient
	sandbox    Sandbox
	vetter     Vetter
	testInput  TestInputSource
	fs         sandbox.FileSystem
	chunkDelay time.Duration
	dataDir    string
}

// OrchestratorOption defines a functional option for Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithFileSystem sets the FileSystem used to persist responses
func WithFileSystem(fs sandbox.FileSystem) OrchestratorOption {
	return func(o *Orchestrator) {
		o.fs = fs
	}
}

// WithChunkDelay sets the pause after every forwarded chunk
func WithChunkDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.chunkDelay = d
	}
}

// WithDataDir sets the directory the full response is written to
func WithDataDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.dataDir = dir
	}
}

// NewOrchestrator creates an orchestrator for one session
func NewOrchestrator(logger *zap.Logger, client ModelClient, sb Sandbox, vetter Vetter, testInput TestInputSource, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		logger:    logger,
		model:     client,
		sandbox:   sb,
		vetter:    vetter,
		testInput: testInput,
		fs:        &sandbox.RealFileSystem{},
		dataDir:   "data",
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Process runs one turn and sends its events to sink. Recoverable model
// faults and per-block failures degrade to partial output; an unmapped
// model fault or a failing sink ends the turn with an error.
func (o *Orchestrator) Process(ctx context.Context, req Request, sink Sink) error {
	o.logger.Info("processing prompt",
		zap.String("model", req.Model),
		zap.Bool("test_mode", req.TestMode),
		zap.Int("prompt_length", len(req.Prompt)))

	var text string
	var err error
	if req.TestMode {
		text = o.testInput.TestInput()
		err = sink.Send(ctx, Response(text))
	} else {
		text, err = o.stream(ctx, req, sink)
	}
	if err != nil {
		return err
	}

	if text == "" {
		return nil
	}

	o.persist(text)
	return o.runBlocks(ctx, text, sink)
}

func (o *Orchestrator) stream(ctx context.Context, req Request, sink Sink) (string, error) {
	deltas, err := o.model.SendPrompt(ctx, req.Prompt, req.Model)
	if err != nil {
		return "", fmt.Errorf("failed to send prompt: %w", err)
	}

	var full strings.Builder
	for d := range deltas {
		if d.Err != nil {
			return full.String(), fmt.Errorf("model stream failed: %w", d.Err)
		}
		if d.Text == "" {
			continue
		}
		full.WriteString(d.Text)
		if err := o.forward(ctx, sink, Response(d.Text)); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

// forward sends e and then yields for the chunk delay
func (o *Orchestrator) forward(ctx context.Context, sink Sink, e Event) error {
	if err := sink.Send(ctx, e); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if o.chunkDelay <= 0 {
		return nil
	}

	timer := time.NewTimer(o.chunkDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) persist(text string) {
	if err := o.fs.MkdirAll(o.dataDir, sandbox.DirPermission); err != nil {
		o.logger.Warn("failed to create data dir", zap.String("dir", o.dataDir), zap.Error(err))
		return
	}
	path := filepath.Join(o.dataDir, ResponseLogName)
	if err := o.fs.WriteFile(path, []byte(text), sandbox.FilePermission); err != nil {
		o.logger.Warn("failed to write response log", zap.String("path", path), zap.Error(err))
	}
}

func (o *Orchestrator) runBlocks(ctx context.Context, text string, sink Sink) error {
	blocks := codeblock.Extract(text)
	o.logger.Debug("extracted code blocks", zap.Int("count", len(blocks)))

	for i, b := range blocks {
		var err error
		switch {
		case b.IsShell():
			err = o.runShell(ctx, b, sink)
		case b.IsPython():
			err = o.runPython(ctx, b, sink)
		default:
			o.logger.Debug("skipping code block", zap.Int("index", i), zap.String("lang", b.Lang))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runShell(ctx context.Context, b codeblock.Block, sink Sink) error {
	if err := sink.Send(ctx, Code(fmt.Sprintf("Executing:\n%s\nResult:", b.Source))); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}

	lines, err := o.sandbox.ExecuteBash(ctx, b.Source)
	if err != nil {
		o.logger.Warn("failed to execute shell block", zap.String("command", b.Source), zap.Error(err))
	} else {
		for line := range lines {
			if err := o.forward(ctx, sink, Code(line)); err != nil {
				// Drain so the execution's pump is not left blocked.
				go func() {
					for range lines {
					}
				}()
				return err
			}
		}
	}

	if err := sink.Send(ctx, Code(Separator)); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return nil
}

func (o *Orchestrator) runPython(ctx context.Context, b codeblock.Block, sink Sink) error {
	if !o.vetter.IsValid(ctx, b.Source) {
		o.logger.Info("skipping invalid python block")
		return nil
	}

	code, err := o.vetter.Format(ctx, b.Source)
	if err != nil {
		o.logger.Warn("failed to format python block, running it as is", zap.Error(err))
		code = b.Source
	}

	if packages := o.vetter.Imports(ctx, code); len(packages) > 0 {
		o.logger.Info("installing packages", zap.Strings("packages", packages))
		for result := range o.sandbox.InstallPackages(ctx, packages) {
			if err := sink.Send(ctx, Code(result.String())); err != nil {
				return fmt.Errorf("failed to send event: %w", err)
			}
		}
	}

	o.analyze(ctx, code)

	exitCode, output, err := o.sandbox.ExecutePythonString(ctx, code)
	if err != nil {
		o.logger.Warn("failed to execute python block", zap.Error(err))
		return nil
	}
	if exitCode != 0 {
		o.logger.Info("python block exited with non-zero status", zap.Int("exit_code", exitCode))
	}
	if output == "" {
		return nil
	}
	return o.forward(ctx, sink, Code(output))
}

func (o *Orchestrator) analyze(ctx context.Context, code string) {
	analysis, err := o.vetter.Analyze(ctx, code)
	if err != nil {
		o.logger.Debug("static analysis unavailable", zap.Error(err))
		return
	}
	o.logger.Info("static analysis",
		zap.Int("errors", analysis.Errors),
		zap.Int("warnings", analysis.Warnings),
		zap.Strings("messages", analysis.Messages))
}
