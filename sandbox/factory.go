package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
)

// NewRuntime creates the container runtime selected by the configuration
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerRuntime(logger, cfg.Sandbox.Host)
	case "podman":
		return NewDockerRuntime(logger, podmanHost(cfg.Sandbox.Host))
	case "local":
		logger.Warn("using local sandbox backend, generated code runs on the host without isolation")
		return NewLocalRuntime(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// podmanHost resolves the Docker-compatible API socket of a rootless podman
func podmanHost(host string) string {
	if host != "" {
		return host
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return "unix://" + filepath.Join(dir, "podman", "podman.sock")
	}
	return "unix:///run/podman/podman.sock"
}

// Factory hands out one Manager per session, all sharing a runtime
type Factory struct {
	logger  *zap.Logger
	cfg     config.SandboxConfig
	runtime Runtime
}

// NewFactory creates a session sandbox factory
func NewFactory(logger *zap.Logger, cfg *config.Config, runtime Runtime) *Factory {
	return &Factory{logger: logger, cfg: cfg.Sandbox, runtime: runtime}
}

// NewSession returns an unstarted Manager for the given session
func (f *Factory) NewSession(sessionID string) *Manager {
	return NewManager(f.logger, f.runtime, f.cfg, sessionID)
}
