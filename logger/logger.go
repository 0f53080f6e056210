package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/fastgpt/config"
)

// modes maps a logging mode to the zap configuration it starts from. Both
// write to stderr so the MCP stdio transport keeps stdout to itself.
var modes = map[string]func() zap.Config{
	"development": func() zap.Config {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	},
	"production": func() zap.Config {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg
	},
}

// NewFromConfig creates a logger from the logging section of the configuration
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New builds a logger for mode ("development" or "production") at level
func New(mode, level string) (*zap.Logger, error) {
	base, ok := modes[mode]
	if !ok {
		return nil, fmt.Errorf("invalid logging mode: %s, must be one of %s", mode, strings.Join(modeNames(), ", "))
	}

	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s: %w", level, err)
	}

	cfg := base()
	cfg.Level = atomicLevel
	cfg.OutputPaths = []string{"stderr"}
	cfg.InitialFields = map[string]any{"service": config.ProjectName}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func modeNames() []string {
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForSession scopes a logger to one client session and its sandbox
func ForSession(logger *zap.Logger, sessionID string) *zap.Logger {
	return logger.With(zap.String("session_id", sessionID))
}
