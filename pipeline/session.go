package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
	"github.com/isdmx/fastgpt/logger"
	"github.com/isdmx/fastgpt/sandbox"
)

// Session pairs one sandbox with the orchestrator that uses it. Turns of a
// session run one after another.
type Session struct {
	ID string

	orchestrator *Orchestrator
	sandbox      *sandbox.Manager
}

// Process runs one turn of the session
func (s *Session) Process(ctx context.Context, req Request, sink Sink) error {
	return s.orchestrator.Process(ctx, req, sink)
}

// Sandbox returns the session's sandbox manager
func (s *Session) Sandbox() *sandbox.Manager {
	return s.sandbox
}

// Close schedules best-effort sandbox teardown. In-flight work is not
// interrupted.
func (s *Session) Close(ctx context.Context) *sandbox.Task {
	return s.sandbox.Stop(ctx)
}

// Factory creates sessions sharing the process-wide model client, Python
// vetter and backend registry.
type Factory struct {
	logger    *zap.Logger
	cfg       config.PipelineConfig
	model     ModelClient
	sandboxes *sandbox.Factory
	vetter    Vetter
	registry  *config.Registry
}

// NewFactory creates a session factory
func NewFactory(logger *zap.Logger, cfg *config.Config, client ModelClient, sandboxes *sandbox.Factory, vetter Vetter, registry *config.Registry) *Factory {
	return &Factory{
		logger:    logger,
		cfg:       cfg.Pipeline,
		model:     client,
		sandboxes: sandboxes,
		vetter:    vetter,
		registry:  registry,
	}
}

// NewSession creates a session and starts provisioning its sandbox in the
// background.
func (f *Factory) NewSession(ctx context.Context, id string) *Session {
	log := logger.ForSession(f.logger, id)

	mgr := f.sandboxes.NewSession(id)
	mgr.Start(ctx)

	return &Session{
		ID:      id,
		sandbox: mgr,
		orchestrator: NewOrchestrator(log, f.model, mgr, f.vetter, f.registry,
			WithChunkDelay(f.cfg.ChunkDelay()),
			WithDataDir(f.cfg.DataDir)),
	}
}
