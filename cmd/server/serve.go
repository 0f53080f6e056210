package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
	"github.com/isdmx/fastgpt/mcpserver"
	"github.com/isdmx/fastgpt/model"
	"github.com/isdmx/fastgpt/pipeline"
	"github.com/isdmx/fastgpt/wsserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server on the configured transport",
	Long: `Start the server selected by server.transport:

  websocket  GET /generate session socket and GET /api/models
  mcp-stdio  MCP tools list_models and run_prompt on stdin/stdout
  mcp-http   the same MCP tools over streamable HTTP`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(*cobra.Command, []string) error {
	app := fx.New(
		coreModule,
		fx.Invoke(watchRegistry, startTransport),
	)
	app.Run()
	return app.Err()
}

func watchRegistry(log *zap.Logger, registry *config.Registry) {
	registry.Watch(log)
}

func startTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger,
	factory *pipeline.Factory, client *model.Client, registry *config.Registry,
) error {
	switch cfg.Server.Transport {
	case "websocket":
		server := wsserver.New(cfg, log, factory, client, registry)
		lc.Append(fx.Hook{
			OnStart: server.Start,
			OnStop:  server.Shutdown,
		})
		return nil
	case "mcp-stdio", "mcp-http":
		server, err := mcpserver.New(cfg, log, factory, client)
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		serve := server.ServeStdio
		if cfg.Server.Transport == "mcp-http" {
			serve = server.ServeHTTP
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					err := serve()
					switch {
					case errors.Is(err, http.ErrServerClosed):
					case err != nil:
						log.Error("MCP server stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					default:
						// stdin closed
						_ = shutdowner.Shutdown()
					}
				}()
				return nil
			},
			OnStop: server.Shutdown,
		})
		return nil
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}
}
