package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
)

// State is the lifecycle state of a session's sandbox
type State int32

const (
	StateAbsent State = iota
	StateStarting
	StateReady
	StateTerminating
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ErrSandboxUnavailable is reported by executions that were skipped because
// the sandbox never became ready.
var ErrSandboxUnavailable = errors.New("sandbox not ready")

// Task is a handle on background provisioning or teardown work. Callers may
// wait on it or drop it; the work runs to completion either way.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func completedTask(err error) *Task {
	t := newTask()
	t.finish(err)
	return t
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Done is closed when the work has finished
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the work finishes or ctx is done
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager owns the single sandbox container of one session and runs
// commands inside it.
type Manager struct {
	logger    *zap.Logger
	runtime   Runtime
	cfg       config.SandboxConfig
	sessionID string

	mu          sync.Mutex
	state       State
	containerID string
	startTask   *Task
	stopTask    *Task
}

// NewManager creates the sandbox manager for one session. Nothing is
// provisioned until Start is called.
func NewManager(logger *zap.Logger, runtime Runtime, cfg config.SandboxConfig, sessionID string) *Manager {
	return &Manager{
		logger:    logger.With(zap.String("session_id", sessionID)),
		runtime:   runtime,
		cfg:       cfg,
		sessionID: sessionID,
	}
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start provisions the sandbox in the background and returns immediately.
// Calling Start again returns the original task.
func (m *Manager) Start(ctx context.Context) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startTask != nil {
		return m.startTask
	}

	task := newTask()
	m.startTask = task
	m.state = StateStarting

	go func() {
		err := m.provision(context.WithoutCancel(ctx))
		if err != nil {
			m.logger.Error("failed to start sandbox", zap.Error(err))
			m.setState(StateAbsent)
		}
		task.finish(err)
	}()
	return task
}

func (m *Manager) provision(ctx context.Context) error {
	m.logger.Info("starting sandbox container", zap.String("image", m.cfg.Image))

	spec := ContainerSpec{
		Name:  fmt.Sprintf("%s-sandbox-%s", config.ProjectName, m.sessionID),
		Image: m.cfg.Image,
		Labels: map[string]string{
			LabelManager:   config.ProjectName,
			LabelSessionID: m.sessionID,
		},
	}

	containerID, err := m.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return err
	}

	if err := m.bringUp(ctx, containerID); err != nil {
		if rmErr := m.runtime.RemoveContainer(ctx, containerID); rmErr != nil {
			m.logger.Warn("failed to remove container after failed start", zap.String("container", containerID), zap.Error(rmErr))
		}
		return err
	}

	m.mu.Lock()
	m.containerID = containerID
	m.state = StateReady
	m.mu.Unlock()

	m.logger.Info("sandbox ready", zap.String("container", containerID))
	return nil
}

func (m *Manager) bringUp(ctx context.Context, containerID string) error {
	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		return err
	}

	running, err := m.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("container %s is not running after start", containerID)
	}

	// Relative to "/" so runtimes that map absolute paths agree on the result.
	workdir := strings.TrimPrefix(filepath.Clean(m.cfg.Workdir), "/")
	e, err := m.launch(ctx, containerID, []string{"mkdir", "-p", workdir}, "/", "mkdir -p "+m.cfg.Workdir)
	if err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	for range e.Lines() {
	}
	code, err := e.ExitCode(ctx)
	if err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("failed to create working directory: exit code %d", code)
	}
	return nil
}

// Stop waits (bounded) for the sandbox to become ready, then force-stops and
// removes it in the background. It is a no-op if Start was never called.
func (m *Manager) Stop(ctx context.Context) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopTask != nil {
		return m.stopTask
	}
	if m.startTask == nil {
		m.stopTask = completedTask(nil)
		return m.stopTask
	}

	task := newTask()
	m.stopTask = task

	go func() {
		err := m.teardown(context.WithoutCancel(ctx))
		if err != nil {
			m.logger.Warn("failed to remove sandbox", zap.Error(err))
		}
		task.finish(err)
	}()
	return task
}

func (m *Manager) teardown(ctx context.Context) error {
	containerID, ok := m.waitReady(ctx)
	if !ok {
		return nil
	}

	m.setState(StateTerminating)
	m.logger.Info("removing sandbox container", zap.String("container", containerID))

	if err := m.runtime.StopContainer(ctx, containerID); err != nil {
		m.logger.Warn("failed to stop container, forcing removal", zap.String("container", containerID), zap.Error(err))
	}
	if err := m.runtime.RemoveContainer(ctx, containerID); err != nil {
		return err
	}

	m.mu.Lock()
	m.containerID = ""
	m.state = StateRemoved
	m.mu.Unlock()
	return nil
}

// waitReady polls for a ready container, up to ReadyRetries attempts spaced
// ReadyInterval apart. It gives up early once provisioning has failed or the
// sandbox has been torn down.
func (m *Manager) waitReady(ctx context.Context) (string, bool) {
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		state, containerID, start := m.state, m.containerID, m.startTask
		m.mu.Unlock()

		if state == StateReady {
			return containerID, true
		}
		if state == StateTerminating || state == StateRemoved || (start != nil && isDone(start)) {
			break
		}
		if attempt >= m.cfg.ReadyRetries {
			break
		}

		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(m.cfg.ReadyInterval()):
		}
	}

	m.logger.Warn("failed to start container", zap.Stringer("state", m.State()))
	return "", false
}

func isDone(t *Task) bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// StartBash runs command in the sandbox working directory and returns its
// supervised execution. If the sandbox never becomes ready the command is
// skipped: a warning is logged and an empty, finished execution returned.
func (m *Manager) StartBash(ctx context.Context, command string) (*Execution, error) {
	containerID, ok := m.waitReady(ctx)
	if !ok {
		m.logger.Warn("sandbox unavailable, skipping command", zap.String("command", command))
		return skippedExecution(command), nil
	}

	m.logger.Debug("executing bash command", zap.String("command", command))
	return m.launch(ctx, containerID, bashPayload(command), m.cfg.Workdir, command)
}

// bashPayload encodes command so it survives shell interpretation
func bashPayload(command string) []string {
	encoded := base64.StdEncoding.EncodeToString([]byte(command))
	return []string{"/bin/bash", "-c", fmt.Sprintf("echo %s | base64 --decode | /bin/bash", encoded)}
}

func (m *Manager) launch(ctx context.Context, containerID string, cmd []string, workdir, command string) (*Execution, error) {
	execID, err := m.runtime.CreateExec(ctx, containerID, cmd, workdir)
	if err != nil {
		return nil, err
	}

	e := newExecution(m.logger, m.runtime, execID, ExecutionRequest{
		Command:   command,
		Workdir:   workdir,
		StartedAt: time.Now(),
	})

	output, err := m.runtime.StartExec(ctx, execID)
	if err != nil {
		return nil, err
	}
	e.output = output
	e.state.Store(int32(ExecStarted))

	go e.watch(context.WithoutCancel(ctx), m.cfg.PollInterval(), m.cfg.DetachTimeout())
	go e.pump()
	e.state.CompareAndSwap(int32(ExecStarted), int32(ExecRunning))
	return e, nil
}

// ExecuteBash runs command and returns its output lines as they are produced
func (m *Manager) ExecuteBash(ctx context.Context, command string) (<-chan string, error) {
	e, err := m.StartBash(ctx, command)
	if err != nil {
		return nil, err
	}
	return e.Lines(), nil
}

// ExecuteBashSync runs command and returns its exit code and full output
func (m *Manager) ExecuteBashSync(ctx context.Context, command string) (int, string, error) {
	e, err := m.StartBash(ctx, command)
	if err != nil {
		return 0, "", err
	}

	var output strings.Builder
	for line := range e.Lines() {
		output.WriteString(line)
	}

	code, err := e.ExitCode(ctx)
	return code, output.String(), err
}

// ExecutePythonString writes code to a uniquely named script in the working
// directory and runs it.
func (m *Manager) ExecutePythonString(ctx context.Context, code string) (int, string, error) {
	if _, ok := m.waitReady(ctx); !ok {
		return 0, "", nil
	}

	script := fmt.Sprintf("script_%s_%s.py", time.Now().Format("20060102150405"), uuid.NewString()[:8])
	delimiter := "EOF_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	write := fmt.Sprintf("cat > %s <<'%s'\n%s\n%s", script, delimiter, code, delimiter)

	exitCode, output, err := m.ExecuteBashSync(ctx, write)
	if err != nil {
		return exitCode, output, fmt.Errorf("failed to write script: %w", err)
	}
	if exitCode != 0 {
		return exitCode, output, nil
	}

	return m.ExecuteBashSync(ctx, fmt.Sprintf("%s %s", m.cfg.PythonCommand, script))
}

// InstallResult is the outcome of installing one package
type InstallResult struct {
	Package  string
	ExitCode int
	Output   string
	Err      error
}

// OK reports whether the install succeeded
func (r InstallResult) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

func (r InstallResult) String() string {
	if r.OK() {
		return "Successfully installed package " + r.Package
	}
	return "Failed to install package " + r.Package
}

// InstallPackages installs each package in turn and streams one result per
// package. A failed install does not stop the remaining ones.
func (m *Manager) InstallPackages(ctx context.Context, packages []string) <-chan InstallResult {
	results := make(chan InstallResult)

	go func() {
		defer close(results)
		if len(packages) == 0 {
			return
		}
		if _, ok := m.waitReady(ctx); !ok {
			return
		}

		for _, pkg := range packages {
			code, output, err := m.ExecuteBashSync(ctx, fmt.Sprintf("%s install %s -v", m.cfg.PipCommand, pkg))
			result := InstallResult{Package: pkg, ExitCode: code, Output: output, Err: err}
			if !result.OK() {
				m.logger.Warn("package install failed", zap.String("package", pkg), zap.Int("exit_code", code), zap.Error(err))
			}

			select {
			case results <- result:
			case <-ctx.Done():
				return
			}
		}
	}()
	return results
}
