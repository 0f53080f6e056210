package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/codeblock"
	"github.com/isdmx/fastgpt/config"
	"github.com/isdmx/fastgpt/logger"
	"github.com/isdmx/fastgpt/model"
	"github.com/isdmx/fastgpt/pipeline"
	"github.com/isdmx/fastgpt/sandbox"
)

// coreModule provides everything a session needs, shared by all commands
var coreModule = fx.Options(
	fx.Provide(
		// Config and logging
		config.New,
		logger.NewFromConfig,
		config.NewRegistry,

		// Sandbox runtime chosen by sandbox.backend
		sandbox.NewRuntime,
		sandbox.NewFactory,

		// Model access
		fx.Annotate(model.NewTiktokenCounterFromConfig, fx.As(new(model.TokenCounter))),
		newLauncher,
		newModelClient,

		// Host-side Python vetting
		fx.Annotate(codeblock.NewPythonFromConfig, fx.As(new(pipeline.Vetter))),

		newSessionFactory,
	),

	fx.Invoke(registerCleanup),

	// Use the application logger for fx logs
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log}
	}),
)

func newLauncher(log *zap.Logger, cfg *config.Config) *model.LocalLauncher {
	return model.NewLocalLauncher(log, cfg.Models)
}

func newModelClient(log *zap.Logger, cfg *config.Config, registry *config.Registry, counter model.TokenCounter, launcher *model.LocalLauncher) *model.Client {
	return model.New(log, cfg, registry, counter, model.WithLauncher(launcher))
}

func newSessionFactory(log *zap.Logger, cfg *config.Config, client *model.Client, sandboxes *sandbox.Factory, vetter pipeline.Vetter, registry *config.Registry) *pipeline.Factory {
	return pipeline.NewFactory(log, cfg, client, sandboxes, vetter, registry)
}

// registerCleanup releases the runtime and any model servers launched by
// this process.
func registerCleanup(lc fx.Lifecycle, log *zap.Logger, runtime sandbox.Runtime, launcher *model.LocalLauncher) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := launcher.Close(); err != nil {
				log.Warn("failed to stop model servers", zap.Error(err))
			}
			if err := runtime.Close(); err != nil {
				log.Warn("failed to close sandbox runtime", zap.Error(err))
			}
			return nil
		},
	})
}
