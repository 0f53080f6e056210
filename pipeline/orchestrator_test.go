package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/fastgpt/codeblock"
	"github.com/isdmx/fastgpt/config"
	"github.com/isdmx/fastgpt/model"
	"github.com/isdmx/fastgpt/sandbox"
)

type fakeModel struct {
	deltas []model.Delta
	err    error
	calls  int
}

func (f *fakeModel) SendPrompt(context.Context, string, string) (<-chan model.Delta, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan model.Delta, len(f.deltas))
	for _, d := range f.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func textDeltas(chunks ...string) []model.Delta {
	deltas := make([]model.Delta, len(chunks))
	for i, c := range chunks {
		deltas[i] = model.Delta{Text: c}
	}
	return deltas
}

type fakeSandbox struct {
	mu        sync.Mutex
	bash      map[string][]string
	bashErr   error
	python    map[string]string
	failPkgs  map[string]bool
	ops       []string
	installed []string
}

func (f *fakeSandbox) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeSandbox) ExecuteBash(_ context.Context, command string) (<-chan string, error) {
	f.record("bash:" + command)
	if f.bashErr != nil {
		return nil, f.bashErr
	}
	lines := f.bash[command]
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch, nil
}

func (f *fakeSandbox) ExecutePythonString(_ context.Context, code string) (int, string, error) {
	f.record("python:" + code)
	return 0, f.python[code], nil
}

func (f *fakeSandbox) InstallPackages(_ context.Context, packages []string) <-chan sandbox.InstallResult {
	f.record("install:" + strings.Join(packages, ","))
	ch := make(chan sandbox.InstallResult, len(packages))
	for _, p := range packages {
		r := sandbox.InstallResult{Package: p}
		if f.failPkgs[p] {
			r.ExitCode = 1
		}
		ch <- r
	}
	close(ch)
	return ch
}

// passthroughVetter treats code as valid unless it contains "SYNTAX ERROR"
type passthroughVetter struct {
	imports  map[string][]string
	analyzed []string
}

func (passthroughVetter) IsValid(_ context.Context, code string) bool {
	return !strings.Contains(code, "SYNTAX ERROR")
}

func (passthroughVetter) Format(_ context.Context, code string) (string, error) {
	return code + "\n", nil
}

func (v *passthroughVetter) Imports(_ context.Context, code string) []string {
	return v.imports[code]
}

func (v *passthroughVetter) Analyze(_ context.Context, code string) (codeblock.Analysis, error) {
	v.analyzed = append(v.analyzed, code)
	return codeblock.Analysis{}, nil
}

type staticInput string

func (s staticInput) TestInput() string { return string(s) }

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	failAt int
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+1 == r.failAt {
		return errors.New("client gone")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) texts(kind EventKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e.Text)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, m ModelClient, sb Sandbox, v Vetter, input string) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	return NewOrchestrator(zaptest.NewLogger(t), m, sb, v, staticInput(input), WithDataDir(dir)), dir
}

func TestProcessStreamsAndRunsBlocks(t *testing.T) {
	response := "Here you go:\n```bash\necho hi\n```\nand\n```python\nimport requests\nprint(2+2)\n```\n```rust\nfn main() {}\n```"
	chunks := []string{response[:10], "", response[10:40], response[40:]}

	m := &fakeModel{deltas: textDeltas(chunks...)}
	sb := &fakeSandbox{
		bash:   map[string][]string{"echo hi": {"hi\n"}},
		python: map[string]string{"import requests\nprint(2+2)\n": "4\n"},
	}
	v := &passthroughVetter{imports: map[string][]string{"import requests\nprint(2+2)\n": {"requests"}}}
	o, dir := newTestOrchestrator(t, m, sb, v, "")

	sink := &recordingSink{}
	require.NoError(t, o.Process(context.Background(), Request{Prompt: "p", Model: "m"}, sink))

	assert.Equal(t, []string{chunks[0], chunks[2], chunks[3]}, sink.texts(KindResponse))
	assert.Equal(t, []string{
		"Executing:\necho hi\nResult:",
		"hi\n",
		Separator,
		"Successfully installed package requests",
		"4\n",
	}, sink.texts(KindCode))

	// Responses strictly precede code output.
	assert.Equal(t, KindResponse, sink.events[2].Kind)
	assert.Equal(t, KindCode, sink.events[3].Kind)

	assert.Equal(t, []string{
		"bash:echo hi",
		"install:requests",
		"python:import requests\nprint(2+2)\n",
	}, sb.ops)
	assert.Equal(t, []string{"import requests\nprint(2+2)\n"}, v.analyzed)

	logged, err := os.ReadFile(filepath.Join(dir, ResponseLogName))
	require.NoError(t, err)
	assert.Equal(t, response, string(logged))
}

func TestProcessTestMode(t *testing.T) {
	input := "```sh\necho 4\n```"
	m := &fakeModel{}
	sb := &fakeSandbox{bash: map[string][]string{"echo 4": {"4\n"}}}
	o, _ := newTestOrchestrator(t, m, sb, &passthroughVetter{}, input)

	sink := &recordingSink{}
	require.NoError(t, o.Process(context.Background(), Request{TestMode: true}, sink))

	assert.Zero(t, m.calls)
	assert.Equal(t, []string{input}, sink.texts(KindResponse))
	assert.Equal(t, []string{"Executing:\necho 4\nResult:", "4\n", Separator}, sink.texts(KindCode))
}

func TestProcessDegradesGracefully(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid python is skipped", func(t *testing.T) {
		m := &fakeModel{deltas: textDeltas("```python\nSYNTAX ERROR(\n```")}
		sb := &fakeSandbox{}
		o, _ := newTestOrchestrator(t, m, sb, &passthroughVetter{}, "")

		sink := &recordingSink{}
		require.NoError(t, o.Process(ctx, Request{Model: "m"}, sink))
		assert.Empty(t, sink.texts(KindCode))
		assert.Empty(t, sb.ops)
	})

	t.Run("no imports skips install", func(t *testing.T) {
		m := &fakeModel{deltas: textDeltas("```py\nprint(1)\n```")}
		sb := &fakeSandbox{python: map[string]string{"print(1)\n": "1\n"}}
		o, _ := newTestOrchestrator(t, m, sb, &passthroughVetter{}, "")

		sink := &recordingSink{}
		require.NoError(t, o.Process(ctx, Request{Model: "m"}, sink))
		assert.Equal(t, []string{"python:print(1)\n"}, sb.ops)
		assert.Equal(t, []string{"1\n"}, sink.texts(KindCode))
	})

	t.Run("failed install is reported and execution continues", func(t *testing.T) {
		code := "import nope\nimport requests"
		m := &fakeModel{deltas: textDeltas("```python\n" + code + "\n```")}
		sb := &fakeSandbox{failPkgs: map[string]bool{"nope": true}}
		v := &passthroughVetter{imports: map[string][]string{code + "\n": {"nope", "requests"}}}
		o, _ := newTestOrchestrator(t, m, sb, v, "")

		sink := &recordingSink{}
		require.NoError(t, o.Process(ctx, Request{Model: "m"}, sink))
		assert.Equal(t, []string{
			"Failed to install package nope",
			"Successfully installed package requests",
		}, sink.texts(KindCode))
		assert.Len(t, sb.ops, 2)
	})

	t.Run("shell exec error still emits the separator", func(t *testing.T) {
		m := &fakeModel{deltas: textDeltas("```bash\nls\n```")}
		sb := &fakeSandbox{bashErr: errors.New("exec create failed")}
		o, _ := newTestOrchestrator(t, m, sb, &passthroughVetter{}, "")

		sink := &recordingSink{}
		require.NoError(t, o.Process(ctx, Request{Model: "m"}, sink))
		assert.Equal(t, []string{"Executing:\nls\nResult:", Separator}, sink.texts(KindCode))
	})

	t.Run("empty response runs nothing", func(t *testing.T) {
		m := &fakeModel{deltas: textDeltas("", "")}
		sb := &fakeSandbox{}
		o, dir := newTestOrchestrator(t, m, sb, &passthroughVetter{}, "")

		sink := &recordingSink{}
		require.NoError(t, o.Process(ctx, Request{Model: "m"}, sink))
		assert.Empty(t, sink.events)
		assert.NoFileExists(t, filepath.Join(dir, ResponseLogName))
	})
}

func TestProcessFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unmapped model fault fails the turn", func(t *testing.T) {
		boom := errors.New("boom")
		m := &fakeModel{deltas: []model.Delta{{Text: "```bash\necho hi\n```"}, {Err: boom}}}
		sb := &fakeSandbox{}
		o, _ := newTestOrchestrator(t, m, sb, &passthroughVetter{}, "")

		err := o.Process(ctx, Request{Model: "m"}, &recordingSink{})
		require.ErrorIs(t, err, boom)
		assert.Empty(t, sb.ops)
	})

	t.Run("send prompt error", func(t *testing.T) {
		m := &fakeModel{err: model.ErrUnknownModel}
		o, _ := newTestOrchestrator(t, m, &fakeSandbox{}, &passthroughVetter{}, "")

		err := o.Process(ctx, Request{Model: "nope"}, &recordingSink{})
		require.ErrorIs(t, err, model.ErrUnknownModel)
	})

	t.Run("sink failure stops the turn", func(t *testing.T) {
		m := &fakeModel{deltas: textDeltas("a", "b", "c")}
		o, _ := newTestOrchestrator(t, m, &fakeSandbox{}, &passthroughVetter{}, "")

		sink := &recordingSink{failAt: 2}
		err := o.Process(ctx, Request{Model: "m"}, sink)
		require.Error(t, err)
		assert.Equal(t, []string{"a"}, sink.texts(KindResponse))
	})
}

func TestEventJSON(t *testing.T) {
	data, err := json.Marshal(Response("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"hi"}`, string(data))

	data, err = json.Marshal(Code("4\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"4\n"}`, string(data))

	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"print 2+2","model":"gpt-4","test_input":true}`), &req))
	assert.Equal(t, Request{Prompt: "print 2+2", Model: "gpt-4", TestMode: true}, req)
}

// TestProcessEndToEnd runs a python block through a real sandbox manager on
// the local runtime.
func TestProcessEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("/bin/bash not available")
	}

	ctx := context.Background()
	logger := zap.NewNop()
	cfg := config.SandboxConfig{
		Workdir:          "/app",
		DetachTimeoutSec: 10,
		PollIntervalMS:   50,
		ReadyRetries:     20,
		ReadyIntervalMS:  50,
		PythonCommand:    "python3",
		PipCommand:       "pip",
	}
	mgr := sandbox.NewManager(logger, sandbox.NewLocalRuntime(logger), cfg, "e2e")
	mgr.Start(ctx)
	defer func() {
		_ = mgr.Stop(ctx).Wait(ctx)
	}()

	vetter := codeblock.NewPython(logger, "python3", []string{"C0114", "C0116"})
	m := &fakeModel{deltas: textDeltas("```python\n", "print(2+2)\n", "```")}
	o := NewOrchestrator(logger, m, mgr, formatFallback{vetter}, staticInput(""), WithDataDir(t.TempDir()))

	sink := &recordingSink{}
	require.NoError(t, o.Process(ctx, Request{Prompt: "print 2+2", Model: "m"}, sink))

	assert.Equal(t, []string{"```python\n", "print(2+2)\n", "```"}, sink.texts(KindResponse))
	assert.Equal(t, []string{"4\n"}, sink.texts(KindCode))
}

// formatFallback leaves code untouched when black is not installed
type formatFallback struct {
	*codeblock.Python
}

func (f formatFallback) Format(ctx context.Context, code string) (string, error) {
	formatted, err := f.Python.Format(ctx, code)
	if err != nil {
		return code, nil
	}
	return formatted, nil
}
