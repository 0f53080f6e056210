package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/isdmx/fastgpt/config"
)

// mockResult is what a mocked exec produces
type mockResult struct {
	output   string
	exitCode int
	hang     bool
}

type mockExec struct {
	cmd     []string
	workdir string
	result  mockResult
	pr      *io.PipeReader
}

// MockRuntime implements Runtime for testing
type MockRuntime struct {
	mu sync.Mutex

	createErr  error
	createGate chan struct{}
	notRunning bool
	handler    func(cmd []string) mockResult

	created  []ContainerSpec
	stopped  []string
	removed  []string
	commands [][]string
	execs    map[string]*mockExec
}

func newMockRuntime(handler func(cmd []string) mockResult) *MockRuntime {
	if handler == nil {
		handler = func([]string) mockResult { return mockResult{} }
	}
	return &MockRuntime{handler: handler, execs: make(map[string]*mockExec)}
}

func (m *MockRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if m.createGate != nil {
		select {
		case <-m.createGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.createErr != nil {
		return "", m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, spec)
	return "container-" + spec.Name, nil
}

func (*MockRuntime) StartContainer(context.Context, string) error {
	return nil
}

func (m *MockRuntime) InspectContainer(context.Context, string) (bool, error) {
	return !m.notRunning, nil
}

func (m *MockRuntime) CreateExec(_ context.Context, _ string, cmd []string, workdir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("exec-%d", len(m.execs))
	m.execs[id] = &mockExec{cmd: cmd, workdir: workdir}
	m.commands = append(m.commands, cmd)
	return id, nil
}

func (m *MockRuntime) StartExec(_ context.Context, execID string) (io.ReadCloser, error) {
	m.mu.Lock()
	e, ok := m.execs[execID]
	m.mu.Unlock()
	if !ok {
		return nil, errors.New("no such exec")
	}

	result := m.handler(e.cmd)
	pr, pw := io.Pipe()

	m.mu.Lock()
	e.result = result
	e.pr = pr
	m.mu.Unlock()

	go func() {
		_, _ = io.WriteString(pw, result.output)
		if !result.hang {
			pw.Close()
		}
	}()
	return pr, nil
}

func (m *MockRuntime) InspectExec(_ context.Context, execID string) (ExecStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[execID]
	if !ok {
		return ExecStatus{}, errors.New("no such exec")
	}
	if e.result.hang {
		return ExecStatus{Running: true}, nil
	}
	return ExecStatus{ExitCode: e.result.exitCode}, nil
}

func (m *MockRuntime) StopContainer(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, containerID)
	return nil
}

func (m *MockRuntime) RemoveContainer(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, containerID)
	return nil
}

func (*MockRuntime) Close() error {
	return nil
}

func (m *MockRuntime) snapshot() (created []ContainerSpec, stopped, removed []string, commands [][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ContainerSpec(nil), m.created...),
		append([]string(nil), m.stopped...),
		append([]string(nil), m.removed...),
		append([][]string(nil), m.commands...)
}

// decodeBash recovers the script from a bash payload, or "" for other commands
func decodeBash(cmd []string) string {
	if len(cmd) != 3 || cmd[0] != "/bin/bash" {
		return ""
	}
	fields := strings.Fields(cmd[2])
	if len(fields) < 2 {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return ""
	}
	return string(decoded)
}

func testSandboxConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Backend:          "local",
		Image:            "python:3.11",
		Workdir:          "/app",
		DetachTimeoutSec: 10,
		PollIntervalMS:   20,
		ReadyRetries:     5,
		ReadyIntervalMS:  10,
		PythonCommand:    "python",
		PipCommand:       "pip",
	}
}
