package codeblock

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
	"github.com/isdmx/fastgpt/sandbox"
)

const snippetName = "snippet.py"

const parseScript = `import ast, sys
with open(sys.argv[1], encoding="utf-8") as f:
    ast.parse(f.read())
`

const importsScript = `import ast, sys
try:
    with open(sys.argv[1], encoding="utf-8") as f:
        tree = ast.parse(f.read())
except (SyntaxError, ValueError):
    sys.exit(0)
std = set(getattr(sys, "stdlib_module_names", ())) | set(sys.builtin_module_names)
names = set()
for node in ast.walk(tree):
    if isinstance(node, ast.Import):
        names.update(alias.name.split(".")[0] for alias in node.names)
    elif isinstance(node, ast.ImportFrom) and node.level == 0 and node.module:
        names.add(node.module.split(".")[0])
for name in sorted(names - std):
    print(name)
`

// pylint exit status bits for fatal messages and usage errors
const (
	pylintFatal = 1
	pylintUsage = 32
)

// Analysis is the advisory result of static analysis
type Analysis struct {
	Errors   int
	Warnings int
	Messages []string
}

type pylintMessage struct {
	Type    string `json:"type"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Symbol  string `json:"symbol"`
	Message string `json:"message"`
}

// Python vets Python snippets with the host interpreter before they are
// sent to the sandbox.
type Python struct {
	logger      *zap.Logger
	interpreter string
	disabled    []string
	runner      sandbox.CommandRunner
	fs          sandbox.FileSystem
}

// PythonOption defines a functional option for Python
type PythonOption func(*Python)

// WithPythonCommandRunner sets the CommandRunner for Python
func WithPythonCommandRunner(runner sandbox.CommandRunner) PythonOption {
	return func(p *Python) {
		p.runner = runner
	}
}

// WithPythonFileSystem sets the FileSystem for Python
func WithPythonFileSystem(fs sandbox.FileSystem) PythonOption {
	return func(p *Python) {
		p.fs = fs
	}
}

// NewPython creates a vetter using the given interpreter and disabled
// pylint checks.
func NewPython(logger *zap.Logger, interpreter string, disabledChecks []string, opts ...PythonOption) *Python {
	p := &Python{
		logger:      logger,
		interpreter: interpreter,
		disabled:    disabledChecks,
		runner:      &sandbox.RealCommandRunner{},
		fs:          &sandbox.RealFileSystem{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// NewPythonFromConfig creates a vetter from the python config section
func NewPythonFromConfig(logger *zap.Logger, cfg *config.Config) *Python {
	return NewPython(logger, cfg.Python.Interpreter, cfg.Python.DisabledChecks)
}

// withSnippet writes code to a temporary file and calls fn with its path
func (p *Python) withSnippet(code string, fn func(path string) error) error {
	dir, err := p.fs.MkdirTemp("", "fastgpt-python-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := p.fs.RemoveAll(dir); err != nil {
			p.logger.Warn("failed to remove temp dir", zap.String("dir", dir), zap.Error(err))
		}
	}()

	path := filepath.Join(dir, snippetName)
	if err := p.fs.WriteFile(path, []byte(code), sandbox.FilePermission); err != nil {
		return fmt.Errorf("failed to write snippet: %w", err)
	}
	return fn(path)
}

// IsValid reports whether code parses. It never fails: any problem running
// the parser counts as invalid.
func (p *Python) IsValid(ctx context.Context, code string) bool {
	valid := false
	err := p.withSnippet(code, func(path string) error {
		_, stderr, exitCode, err := p.runner.RunCommand(ctx, []string{p.interpreter, "-c", parseScript, path})
		if err != nil {
			return err
		}
		valid = exitCode == 0
		if !valid {
			p.logger.Debug("python snippet does not parse", zap.String("stderr", stderr))
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("failed to check python syntax", zap.Error(err))
		return false
	}
	return valid
}

// Format returns code formatted by black
func (p *Python) Format(ctx context.Context, code string) (string, error) {
	var formatted string
	err := p.withSnippet(code, func(path string) error {
		_, stderr, exitCode, err := p.runner.RunCommand(ctx, []string{p.interpreter, "-m", "black", "--quiet", path})
		if err != nil {
			return fmt.Errorf("failed to run black: %w", err)
		}
		if exitCode != 0 {
			return fmt.Errorf("black exited with code %d: %s", exitCode, strings.TrimSpace(stderr))
		}

		data, err := p.fs.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read formatted snippet: %w", err)
		}
		formatted = string(data)
		return nil
	})
	return formatted, err
}

// Imports returns the sorted top-level modules imported by code that are
// not part of the interpreter's standard library. Unparsable code yields
// no imports.
func (p *Python) Imports(ctx context.Context, code string) []string {
	var imports []string
	err := p.withSnippet(code, func(path string) error {
		stdout, stderr, exitCode, err := p.runner.RunCommand(ctx, []string{p.interpreter, "-c", importsScript, path})
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("import scan exited with code %d: %s", exitCode, strings.TrimSpace(stderr))
		}
		imports = strings.Fields(stdout)
		return nil
	})
	if err != nil {
		p.logger.Warn("failed to extract python imports", zap.Error(err))
		return nil
	}
	sort.Strings(imports)
	return imports
}

// Analyze runs pylint over code. The result is advisory.
func (p *Python) Analyze(ctx context.Context, code string) (Analysis, error) {
	var analysis Analysis
	err := p.withSnippet(code, func(path string) error {
		args := []string{p.interpreter, "-m", "pylint", "--output-format=json", "--score=n"}
		if len(p.disabled) > 0 {
			args = append(args, "--disable="+strings.Join(p.disabled, ","))
		}
		args = append(args, path)

		stdout, stderr, exitCode, err := p.runner.RunCommand(ctx, args)
		if err != nil {
			return fmt.Errorf("failed to run pylint: %w", err)
		}
		if exitCode&pylintUsage != 0 || (strings.TrimSpace(stdout) == "" && exitCode&pylintFatal != 0) {
			return fmt.Errorf("pylint exited with code %d: %s", exitCode, strings.TrimSpace(stderr))
		}

		var messages []pylintMessage
		if strings.TrimSpace(stdout) != "" {
			if err := json.Unmarshal([]byte(stdout), &messages); err != nil {
				return fmt.Errorf("failed to parse pylint output: %w", err)
			}
		}

		for _, m := range messages {
			switch m.Type {
			case "error", "fatal":
				analysis.Errors++
			case "warning":
				analysis.Warnings++
			}
			analysis.Messages = append(analysis.Messages,
				fmt.Sprintf("%d:%d: %s: %s (%s)", m.Line, m.Column, m.Type, m.Message, m.Symbol))
		}
		return nil
	})
	return analysis, err
}
