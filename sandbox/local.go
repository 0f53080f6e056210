package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalRuntime implements Runtime on the host (WARNING: development only,
// there is no isolation). A "container" is a temporary directory; absolute
// exec working directories are resolved inside it.
type LocalRuntime struct {
	logger *zap.Logger
	fs     FileSystem

	mu         sync.Mutex
	containers map[string]string // id -> root directory
	execs      map[string]*localExec
}

type localExec struct {
	cmd     []string
	dir     string
	started bool
	done    chan struct{}
	code    int
}

// Verify interface compliance.
var _ Runtime = (*LocalRuntime)(nil)

// LocalRuntimeOption defines a functional option for LocalRuntime
type LocalRuntimeOption func(*LocalRuntime)

// WithLocalFileSystem sets the FileSystem for LocalRuntime
func WithLocalFileSystem(fs FileSystem) LocalRuntimeOption {
	return func(l *LocalRuntime) {
		l.fs = fs
	}
}

// NewLocalRuntime creates a new LocalRuntime with default implementations and optional interfaces
func NewLocalRuntime(logger *zap.Logger, opts ...LocalRuntimeOption) *LocalRuntime {
	runtime := &LocalRuntime{
		logger:     logger,
		fs:         &RealFileSystem{},
		containers: make(map[string]string),
		execs:      make(map[string]*localExec),
	}

	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

func (l *LocalRuntime) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	root, err := l.fs.MkdirTemp("", "fastgpt-sandbox-*")
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox dir: %w", err)
	}

	id := spec.Name
	if id == "" {
		id = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.containers[id]; exists {
		_ = l.fs.RemoveAll(root)
		return "", fmt.Errorf("container %s already exists", id)
	}
	l.containers[id] = root
	return id, nil
}

func (l *LocalRuntime) StartContainer(_ context.Context, containerID string) error {
	_, err := l.root(containerID)
	return err
}

func (l *LocalRuntime) InspectContainer(_ context.Context, containerID string) (bool, error) {
	if _, err := l.root(containerID); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LocalRuntime) CreateExec(_ context.Context, containerID string, cmd []string, workdir string) (string, error) {
	if len(cmd) == 0 {
		return "", fmt.Errorf("no command provided")
	}
	root, err := l.root(containerID)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	l.mu.Lock()
	l.execs[id] = &localExec{
		cmd:  cmd,
		dir:  filepath.Join(root, filepath.Clean("/"+workdir)),
		done: make(chan struct{}),
	}
	l.mu.Unlock()
	return id, nil
}

func (l *LocalRuntime) StartExec(_ context.Context, execID string) (io.ReadCloser, error) {
	l.mu.Lock()
	e, ok := l.execs[execID]
	if ok && e.started {
		l.mu.Unlock()
		return nil, fmt.Errorf("exec %s already started", execID)
	}
	if ok {
		e.started = true
	}
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such exec: %s", execID)
	}

	// The process outlives the caller's context, like a detached docker exec.
	cmd := exec.Command(e.cmd[0], e.cmd[1:]...) //nolint:gosec // Running generated code is intended functionality
	cmd.Dir = e.dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}

	go func() {
		waitErr := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if waitErr != nil && code == 0 {
			l.logger.Debug("local exec output copy failed", zap.String("exec_id", execID), zap.Error(waitErr))
		}
		l.mu.Lock()
		e.code = code
		l.mu.Unlock()
		close(e.done)
		pw.Close()
	}()

	return pr, nil
}

func (l *LocalRuntime) InspectExec(_ context.Context, execID string) (ExecStatus, error) {
	l.mu.Lock()
	e, ok := l.execs[execID]
	l.mu.Unlock()
	if !ok {
		return ExecStatus{}, fmt.Errorf("no such exec: %s", execID)
	}

	select {
	case <-e.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return ExecStatus{Running: false, ExitCode: e.code}, nil
	default:
		return ExecStatus{Running: e.started}, nil
	}
}

// StopContainer is a no-op: host processes are not tracked per container.
func (l *LocalRuntime) StopContainer(_ context.Context, containerID string) error {
	_, err := l.root(containerID)
	return err
}

func (l *LocalRuntime) RemoveContainer(_ context.Context, containerID string) error {
	root, err := l.root(containerID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.containers, containerID)
	l.mu.Unlock()

	if err := l.fs.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove sandbox dir: %w", err)
	}
	return nil
}

func (*LocalRuntime) Close() error {
	return nil
}

func (l *LocalRuntime) root(containerID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	root, ok := l.containers[containerID]
	if !ok {
		return "", fmt.Errorf("no such container: %s", containerID)
	}
	return root, nil
}
