package codeblock

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are keyed
// by the tool being run: "-c" scripts by their first line, "-m" by module.
type MockCommandRunner struct {
	results map[string]commandResult
	calls   [][]string
	onRun   func(args []string)
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.calls = append(m.calls, args)
	if m.onRun != nil {
		m.onRun(args)
	}

	key := ""
	if len(args) > 2 {
		switch args[1] {
		case "-m":
			key = args[2]
		case "-c":
			if strings.Contains(args[2], "names = set()") {
				key = "imports"
			} else {
				key = "parse"
			}
		}
	}

	r := m.results[key]
	return r.stdout, r.stderr, r.exitCode, r.err
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	files     map[string][]byte
	writeErr  error
	removed   []string
	tempCalls int
}

func newMockFileSystem() *MockFileSystem {
	return &MockFileSystem{files: make(map[string][]byte)}
}

func (m *MockFileSystem) MkdirTemp(_, _ string) (string, error) {
	m.tempCalls++
	return "/tmp/test", nil
}

func (*MockFileSystem) MkdirAll(string, os.FileMode) error {
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.files[filename] = data
	return nil
}

func (m *MockFileSystem) ReadFile(filename string) ([]byte, error) {
	data, ok := m.files[filename]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.removed = append(m.removed, path)
	return nil
}

func newMockPython(t *testing.T, runner *MockCommandRunner, fs *MockFileSystem) *Python {
	return NewPython(zaptest.NewLogger(t), "python3", []string{"C0114", "C0116"},
		WithPythonCommandRunner(runner),
		WithPythonFileSystem(fs))
}

func TestPythonIsValid(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		result   commandResult
		expected bool
	}{
		{"parses", commandResult{}, true},
		{"syntax error", commandResult{stderr: "SyntaxError: invalid syntax", exitCode: 1}, false},
		{"interpreter missing", commandResult{err: errors.New("executable file not found")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockCommandRunner{results: map[string]commandResult{"parse": tt.result}}
			fs := newMockFileSystem()
			p := newMockPython(t, runner, fs)

			assert.Equal(t, tt.expected, p.IsValid(ctx, "print(1)"))
			assert.Equal(t, []byte("print(1)"), fs.files["/tmp/test/snippet.py"])
			assert.Equal(t, []string{"/tmp/test"}, fs.removed)
			require.Len(t, runner.calls, 1)
			assert.Equal(t, "python3", runner.calls[0][0])
			assert.Equal(t, "/tmp/test/snippet.py", runner.calls[0][3])
		})
	}

	t.Run("write failure", func(t *testing.T) {
		fs := newMockFileSystem()
		fs.writeErr = errors.New("disk full")
		p := newMockPython(t, &MockCommandRunner{}, fs)
		assert.False(t, p.IsValid(ctx, "print(1)"))
	})
}

func TestPythonFormat(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the rewritten file", func(t *testing.T) {
		fs := newMockFileSystem()
		runner := &MockCommandRunner{onRun: func(args []string) {
			fs.files[args[len(args)-1]] = []byte("x = [1, 2]\n")
		}}
		p := newMockPython(t, runner, fs)

		formatted, err := p.Format(ctx, "x=[1,2]")
		require.NoError(t, err)
		assert.Equal(t, "x = [1, 2]\n", formatted)
		assert.Equal(t, []string{"python3", "-m", "black", "--quiet", "/tmp/test/snippet.py"}, runner.calls[0])
	})

	t.Run("black failure", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"black": {stderr: "error: cannot format snippet.py\n", exitCode: 123},
		}}
		p := newMockPython(t, runner, newMockFileSystem())

		_, err := p.Format(ctx, "def (")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot format")
	})
}

func TestPythonImports(t *testing.T) {
	ctx := context.Background()

	t.Run("parses and sorts output", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"imports": {stdout: "requests\nnumpy\n"},
		}}
		p := newMockPython(t, runner, newMockFileSystem())

		assert.Equal(t, []string{"numpy", "requests"}, p.Imports(ctx, "import requests, numpy"))
	})

	t.Run("no imports", func(t *testing.T) {
		p := newMockPython(t, &MockCommandRunner{}, newMockFileSystem())
		assert.Empty(t, p.Imports(ctx, "print(1)"))
	})

	t.Run("scan failure yields nothing", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"imports": {stderr: "boom", exitCode: 1},
		}}
		p := newMockPython(t, runner, newMockFileSystem())
		assert.Empty(t, p.Imports(ctx, "import x"))
	})
}

func TestPythonAnalyze(t *testing.T) {
	ctx := context.Background()

	t.Run("counts errors and warnings", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"pylint": {
				stdout: `[
					{"type": "error", "line": 1, "column": 0, "symbol": "undefined-variable", "message": "Undefined variable 'y'"},
					{"type": "warning", "line": 2, "column": 4, "symbol": "unused-variable", "message": "Unused variable 'z'"},
					{"type": "convention", "line": 3, "column": 0, "symbol": "invalid-name", "message": "bad name"}
				]`,
				exitCode: 2 | 4 | 16,
			},
		}}
		p := newMockPython(t, runner, newMockFileSystem())

		analysis, err := p.Analyze(ctx, "print(y)")
		require.NoError(t, err)
		assert.Equal(t, 1, analysis.Errors)
		assert.Equal(t, 1, analysis.Warnings)
		require.Len(t, analysis.Messages, 3)
		assert.Equal(t, "1:0: error: Undefined variable 'y' (undefined-variable)", analysis.Messages[0])

		args := runner.calls[0]
		assert.Contains(t, args, "--disable=C0114,C0116")
		assert.Contains(t, args, "--output-format=json")
	})

	t.Run("clean code", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{"pylint": {stdout: "[]\n"}}}
		p := newMockPython(t, runner, newMockFileSystem())

		analysis, err := p.Analyze(ctx, "print(1)\n")
		require.NoError(t, err)
		assert.Zero(t, analysis.Errors)
		assert.Empty(t, analysis.Messages)
	})

	t.Run("usage error", func(t *testing.T) {
		runner := &MockCommandRunner{results: map[string]commandResult{
			"pylint": {stderr: "No module named pylint", exitCode: 1},
		}}
		p := newMockPython(t, runner, newMockFileSystem())

		_, err := p.Analyze(ctx, "print(1)")
		require.Error(t, err)
	})
}

func hostPython(t *testing.T) *Python {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	return NewPython(zaptest.NewLogger(t), "python3", []string{"C0114", "C0116"})
}

func hasModule(module string) bool {
	return exec.Command("python3", "-c", "import "+module).Run() == nil
}

func TestPythonHostInterpreter(t *testing.T) {
	ctx := context.Background()
	p := hostPython(t)

	t.Run("validity", func(t *testing.T) {
		assert.True(t, p.IsValid(ctx, "def f(x):\n    return x * 2\n\nprint(f(2))"))
		assert.False(t, p.IsValid(ctx, "def f(:\n    pass"))
		assert.False(t, p.IsValid(ctx, "print(2+2"))
	})

	t.Run("imports exclude the standard library", func(t *testing.T) {
		if !hasModule("sys; sys.stdlib_module_names") {
			t.Skip("python3 older than 3.10")
		}
		assert.Equal(t, []string{"requests"}, p.Imports(ctx, "import os, requests"))
		assert.Equal(t, []string{"numpy", "yaml"}, p.Imports(ctx, "import numpy.linalg\nfrom yaml import safe_load\nfrom . import sibling\nimport json"))
		assert.Empty(t, p.Imports(ctx, "import (broken"))
	})

	t.Run("format is idempotent", func(t *testing.T) {
		if !hasModule("black") {
			t.Skip("black not installed")
		}
		once, err := p.Format(ctx, "x=[1,2,\n3]\ndef f( a ):\n  return a")
		require.NoError(t, err)
		twice, err := p.Format(ctx, once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
		assert.Contains(t, once, "x = [1, 2, 3]")
	})

	t.Run("analysis", func(t *testing.T) {
		if !hasModule("pylint") {
			t.Skip("pylint not installed")
		}
		analysis, err := p.Analyze(ctx, "print(undefined_name)\n")
		require.NoError(t, err)
		assert.Equal(t, 1, analysis.Errors)
	})
}
