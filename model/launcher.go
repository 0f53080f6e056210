package model

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
)

// readyMessage is the log message a local backend emits once serving
const readyMessage = "model loaded"

// Launcher makes sure a backend is reachable before it is called
type Launcher interface {
	Ensure(ctx context.Context, backend config.Backend) error
}

// LocalLauncher starts a llama.cpp style server for backends whose URL
// points at this host and which are not already answering.
type LocalLauncher struct {
	logger     *zap.Logger
	cfg        config.ModelsConfig
	httpClient *http.Client

	mu        sync.Mutex
	processes []*exec.Cmd
}

// Verify interface compliance.
var _ Launcher = (*LocalLauncher)(nil)

// NewLocalLauncher creates a launcher for local backends
func NewLocalLauncher(logger *zap.Logger, cfg config.ModelsConfig) *LocalLauncher {
	return &LocalLauncher{
		logger:     logger,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HealthTimeout()},
	}
}

// Ensure launches the backend process when its URL is local and nothing
// answers the health probe, then waits until the model reports loaded.
func (l *LocalLauncher) Ensure(ctx context.Context, backend config.Backend) error {
	u, err := url.Parse(backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend url %q: %w", backend.URL, err)
	}
	if !isLocalHost(u.Hostname()) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running(ctx, u) {
		return nil
	}

	modelFile, err := l.findModelFile(backend.Name)
	if err != nil {
		return err
	}
	return l.launch(ctx, port(u), modelFile)
}

func isLocalHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// running probes <scheme>://<host>/health. Any HTTP response means a server
// is listening; only a connection failure triggers a launch.
func (l *LocalLauncher) running(ctx context.Context, u *url.URL) bool {
	probe := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/health"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.String(), nil)
	if err != nil {
		return false
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			l.logger.Warn("local backend health probe timed out, assuming it is busy", zap.String("url", probe.String()))
			return true
		}
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

func (l *LocalLauncher) findModelFile(name string) (string, error) {
	pattern := filepath.Join(l.cfg.ModelsDir, fmt.Sprintf("%s*Q4*.%s", name, l.cfg.ModelFileExt))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid model file pattern %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no model file matching %s", pattern)
	}
	if len(matches) > 1 {
		l.logger.Warn("multiple model files match, using the first", zap.Strings("files", matches))
	}
	return matches[0], nil
}

type logLine struct {
	Message string `json:"message"`
}

func (l *LocalLauncher) launch(ctx context.Context, port, modelFile string) error {
	l.logger.Info("starting local model backend",
		zap.String("binary", l.cfg.ServerBinary),
		zap.String("port", port),
		zap.String("model_file", modelFile))

	// The server outlives the request that started it.
	cmd := exec.Command(l.cfg.ServerBinary, "--port", port, "-m", modelFile) //nolint:gosec // configured binary
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to backend output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start local backend: %w", err)
	}

	ready := make(chan struct{})
	exited := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		signalled := false
		for scanner.Scan() {
			if signalled {
				continue
			}
			var line logLine
			if json.Unmarshal(scanner.Bytes(), &line) == nil && line.Message == readyMessage {
				signalled = true
				close(ready)
			}
		}
		exited <- cmd.Wait()
	}()

	timer := time.NewTimer(l.cfg.LoadingTimeout())
	defer timer.Stop()

	select {
	case <-ready:
		l.processes = append(l.processes, cmd)
		l.logger.Info("local model backend ready", zap.Int("pid", cmd.Process.Pid))
		return nil
	case err := <-exited:
		// Exiting right after signalling readiness still counts as loaded.
		select {
		case <-ready:
			return nil
		default:
		}
		if err == nil {
			return errors.New("local backend exited before the model was loaded")
		}
		return fmt.Errorf("local backend exited before the model was loaded: %w", err)
	case <-timer.C:
		_ = cmd.Process.Kill()
		return fmt.Errorf("%w after %s", ErrModelLoadTimeout, l.cfg.LoadingTimeout())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
}

// Close stops every backend process this launcher started
func (l *LocalLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, cmd := range l.processes {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	l.processes = nil
	return errors.Join(errs...)
}
