package sandbox

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ExecState is the supervision state of one execution
type ExecState int32

const (
	ExecCreated ExecState = iota
	ExecStarted
	ExecRunning
	ExecFinished
	// ExecDetached means the watcher gave up on the output stream after the
	// detach timeout. The process itself was not killed.
	ExecDetached
	// ExecSkipped means the sandbox never became ready and nothing ran.
	ExecSkipped
)

func (s ExecState) String() string {
	switch s {
	case ExecCreated:
		return "created"
	case ExecStarted:
		return "started"
	case ExecRunning:
		return "running"
	case ExecFinished:
		return "finished"
	case ExecDetached:
		return "detached"
	case ExecSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ExitCodeDetached is reported for executions whose exit status was never observed
const ExitCodeDetached = -1

// ExecutionRequest describes one command invocation
type ExecutionRequest struct {
	Command   string
	Workdir   string
	StartedAt time.Time
}

// Execution is a running command: an append-only stream of output lines
// plus a watcher that enforces the detach timeout.
type Execution struct {
	Request ExecutionRequest

	id      string
	runtime Runtime
	logger  *zap.Logger

	lines    chan string
	state    atomic.Int32
	detached chan struct{}
	watched  chan struct{}
	exitCode int

	output    io.ReadCloser
	closeOnce sync.Once
}

func newExecution(logger *zap.Logger, runtime Runtime, execID string, req ExecutionRequest) *Execution {
	return &Execution{
		Request:  req,
		id:       execID,
		runtime:  runtime,
		logger:   logger.With(zap.String("exec_id", execID)),
		lines:    make(chan string),
		detached: make(chan struct{}),
		watched:  make(chan struct{}),
	}
}

func skippedExecution(command string) *Execution {
	e := &Execution{
		Request:  ExecutionRequest{Command: command, StartedAt: time.Now()},
		lines:    make(chan string),
		detached: make(chan struct{}),
		watched:  make(chan struct{}),
	}
	e.state.Store(int32(ExecSkipped))
	close(e.lines)
	close(e.watched)
	return e
}

// Lines returns the output stream. Each element is one line including its
// trailing newline (the last line may lack one). The channel is closed when
// the output ends or the execution is detached.
func (e *Execution) Lines() <-chan string {
	return e.lines
}

// State returns the current supervision state
func (e *Execution) State() ExecState {
	return ExecState(e.state.Load())
}

// Err reports ErrSandboxUnavailable for commands skipped because the
// sandbox never became ready.
func (e *Execution) Err() error {
	if e.State() == ExecSkipped {
		return ErrSandboxUnavailable
	}
	return nil
}

// Done is closed once the watcher has observed completion or detached
func (e *Execution) Done() <-chan struct{} {
	return e.watched
}

// ExitCode returns the exit status, waiting for the watcher if the process
// has not been observed to finish yet. Detached executions report
// ExitCodeDetached.
func (e *Execution) ExitCode(ctx context.Context) (int, error) {
	select {
	case <-e.watched:
		return e.finalCode(), nil
	default:
	}

	status, err := e.runtime.InspectExec(ctx, e.id)
	if err == nil && !status.Running {
		return status.ExitCode, nil
	}

	select {
	case <-e.watched:
		return e.finalCode(), nil
	case <-ctx.Done():
		return ExitCodeDetached, ctx.Err()
	}
}

func (e *Execution) finalCode() int {
	if e.State() == ExecDetached {
		return ExitCodeDetached
	}
	return e.exitCode
}

func (e *Execution) closeOutput() {
	e.closeOnce.Do(func() {
		if e.output != nil {
			_ = e.output.Close()
		}
	})
}

// pump copies output lines to the channel until EOF or detach. Bytes are
// decoded as UTF-8 on a best-effort basis.
func (e *Execution) pump() {
	defer close(e.lines)
	defer e.closeOutput()

	reader := bufio.NewReader(e.output)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			select {
			case e.lines <- strings.ToValidUTF8(line, "\uFFFD"):
			case <-e.detached:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && e.State() != ExecDetached {
				e.logger.Debug("output stream ended with error", zap.Error(err))
			}
			return
		}
	}
}

// watch polls the exec status until it finishes or the detach timeout
// elapses. It runs independently of the consumer so a slow reader cannot
// delay timeout enforcement.
func (e *Execution) watch(ctx context.Context, pollInterval, detachTimeout time.Duration) {
	defer close(e.watched)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		inspectCtx, cancel := context.WithTimeout(ctx, pollInterval)
		status, err := e.runtime.InspectExec(inspectCtx, e.id)
		cancel()

		switch {
		case err != nil:
			e.logger.Warn("failed to inspect execution", zap.Error(err))
		case !status.Running:
			e.exitCode = status.ExitCode
			e.state.Store(int32(ExecFinished))
			return
		}

		if time.Since(e.Request.StartedAt) > detachTimeout {
			e.state.Store(int32(ExecDetached))
			close(e.detached)
			e.closeOutput()
			e.logger.Warn("execution exceeded detach timeout, output detached and process left running",
				zap.Duration("timeout", detachTimeout),
				zap.String("command", e.Request.Command))
			return
		}
	}
}
