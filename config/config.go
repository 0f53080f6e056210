package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ProjectName is used for the dotenv location and container labels
const ProjectName = "fastgpt"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Models   ModelsConfig   `mapstructure:"models"`
	Python   PythonConfig   `mapstructure:"python"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Backends []Backend      `mapstructure:"backends"`

	v *viper.Viper
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	Host               string `mapstructure:"host"`
	Image              string `mapstructure:"image"`
	Workdir            string `mapstructure:"workdir"`
	DetachTimeoutSec   int    `mapstructure:"detach_timeout_sec"`
	PollIntervalMS     int    `mapstructure:"poll_interval_ms"`
	ReadyRetries       int    `mapstructure:"ready_retries"`
	ReadyIntervalMS    int    `mapstructure:"ready_interval_ms"`
	PythonCommand      string `mapstructure:"python_command"`
	PipCommand         string `mapstructure:"pip_command"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
}

// ModelsConfig holds settings shared by all completion backends
type ModelsConfig struct {
	MinimumCompletionTokens int    `mapstructure:"minimum_completion_tokens"`
	LoadingTimeoutSec       int    `mapstructure:"loading_timeout_sec"`
	HealthTimeoutMS         int    `mapstructure:"health_timeout_ms"`
	ServerBinary            string `mapstructure:"server_binary"`
	ModelsDir               string `mapstructure:"models_dir"`
	ModelFileExt            string `mapstructure:"model_file_ext"`
	TokenizerEncoding       string `mapstructure:"tokenizer_encoding"`
	SystemMessagesFile      string `mapstructure:"system_messages_file"`
	DefaultLanguage         string `mapstructure:"default_language"`
}

// PythonConfig holds the host toolchain used to vet generated Python
type PythonConfig struct {
	Interpreter    string   `mapstructure:"interpreter"`
	DisabledChecks []string `mapstructure:"disabled_checks"`
}

// PipelineConfig holds settings for a single turn
type PipelineConfig struct {
	ChunkDelayUS int    `mapstructure:"chunk_delay_us"`
	DataDir      string `mapstructure:"data_dir"`
}

// Backend is a configured text-completion service
type Backend struct {
	Name             string `mapstructure:"name"`
	URL              string `mapstructure:"url"`
	Key              string `mapstructure:"key"`
	MaxContextTokens int    `mapstructure:"max_context_tokens"`
	MaxOutputTokens  int    `mapstructure:"max_output_tokens"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	loadDotenv()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	setDefaults(v)

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.v = v

	for i := range config.Backends {
		config.Backends[i].Key = os.ExpandEnv(config.Backends[i].Key)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "websocket")
	v.SetDefault("server.http_port", 8000)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.host", "")
	v.SetDefault("sandbox.image", "python:3.11")
	v.SetDefault("sandbox.workdir", "/app")
	v.SetDefault("sandbox.detach_timeout_sec", 10)
	v.SetDefault("sandbox.poll_interval_ms", 1000)
	v.SetDefault("sandbox.ready_retries", 20)
	v.SetDefault("sandbox.ready_interval_ms", 1000)
	v.SetDefault("sandbox.python_command", "python")
	v.SetDefault("sandbox.pip_command", "pip")
	v.SetDefault("sandbox.enable_local_backend", false)

	v.SetDefault("models.minimum_completion_tokens", 100)
	v.SetDefault("models.loading_timeout_sec", 60)
	v.SetDefault("models.health_timeout_ms", 2000)
	v.SetDefault("models.server_binary", "external/llama.cpp/server")
	v.SetDefault("models.models_dir", "data/llm_files")
	v.SetDefault("models.model_file_ext", "gguf")
	v.SetDefault("models.tokenizer_encoding", "r50k_base")
	v.SetDefault("models.system_messages_file", "data/system_messages.yaml")
	v.SetDefault("models.default_language", "python")

	v.SetDefault("python.interpreter", "python3")
	v.SetDefault("python.disabled_checks", []string{"C0114", "C0116"})

	v.SetDefault("pipeline.chunk_delay_us", 10)
	v.SetDefault("pipeline.data_dir", "data")

	v.SetDefault("backends", []map[string]any{
		{"name": "deepseek-coder-33b", "url": "http://localhost:8080/v1", "key": "sk-no-key-required", "max_context_tokens": 4 * 1024},
		{"name": "phind-codellama-34", "url": "http://localhost:8080/v1", "key": "sk-no-key-required", "max_context_tokens": 4 * 1024},
		{"name": "gpt-4", "url": "https://api.openai.com/v1", "key": "${OPENAI_API_KEY}", "max_context_tokens": 8 * 1024},
		{"name": "gpt-4-1106-preview", "url": "https://api.openai.com/v1", "key": "${OPENAI_API_KEY}", "max_context_tokens": 120_000, "max_output_tokens": 4 * 1024},
		{"name": "gpt-3.5-turbo-16k", "url": "https://api.openai.com/v1", "key": "${OPENAI_API_KEY}", "max_context_tokens": 16 * 1024},
		{"name": "gpt-3.5-turbo-1106", "url": "https://api.openai.com/v1", "key": "${OPENAI_API_KEY}", "max_context_tokens": 16 * 1024, "max_output_tokens": 4 * 1024},
	})
}

// loadDotenv reads ~/.config/fastgpt/.env; variables already set win.
func loadDotenv() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	_ = godotenv.Load(filepath.Join(home, ".config", ProjectName, ".env"))
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "websocket", "mcp-stdio", "mcp-http":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'websocket', 'mcp-stdio' or 'mcp-http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.DetachTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.detach_timeout_sec must be positive, got: %d", c.Sandbox.DetachTimeoutSec)
	}

	if c.Sandbox.PollIntervalMS <= 0 {
		return fmt.Errorf("sandbox.poll_interval_ms must be positive, got: %d", c.Sandbox.PollIntervalMS)
	}

	if c.Sandbox.ReadyRetries <= 0 {
		return fmt.Errorf("sandbox.ready_retries must be positive, got: %d", c.Sandbox.ReadyRetries)
	}

	if c.Sandbox.Workdir == "" || !filepath.IsAbs(c.Sandbox.Workdir) {
		return fmt.Errorf("sandbox.workdir must be an absolute path, got: %q", c.Sandbox.Workdir)
	}

	if c.Models.MinimumCompletionTokens <= 0 {
		return fmt.Errorf("models.minimum_completion_tokens must be positive, got: %d", c.Models.MinimumCompletionTokens)
	}

	if c.Models.LoadingTimeoutSec <= 0 {
		return fmt.Errorf("models.loading_timeout_sec must be positive, got: %d", c.Models.LoadingTimeoutSec)
	}

	return validateBackends(c.Backends)
}

func validateBackends(backends []Backend) error {
	if len(backends) == 0 {
		return errors.New("at least one backend must be configured")
	}

	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if b.Name == "" {
			return errors.New("backend name must not be empty")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend: %s", b.Name)
		}
		seen[b.Name] = true

		if b.URL == "" {
			return fmt.Errorf("backend %s: url must not be empty", b.Name)
		}
		if b.MaxContextTokens <= 0 {
			return fmt.Errorf("backend %s: max_context_tokens must be positive, got: %d", b.Name, b.MaxContextTokens)
		}
		if b.MaxOutputTokens < 0 {
			return fmt.Errorf("backend %s: max_output_tokens must not be negative, got: %d", b.Name, b.MaxOutputTokens)
		}
	}
	return nil
}

// DetachTimeout returns how long an execution may run before its output is detached
func (s SandboxConfig) DetachTimeout() time.Duration {
	return time.Duration(s.DetachTimeoutSec) * time.Second
}

// PollInterval returns the execution watcher polling interval
func (s SandboxConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// ReadyInterval returns the spacing between sandbox readiness checks
func (s SandboxConfig) ReadyInterval() time.Duration {
	return time.Duration(s.ReadyIntervalMS) * time.Millisecond
}

// LoadingTimeout returns the local backend readiness timeout
func (m ModelsConfig) LoadingTimeout() time.Duration {
	return time.Duration(m.LoadingTimeoutSec) * time.Second
}

// HealthTimeout returns the timeout of the local backend health probe
func (m ModelsConfig) HealthTimeout() time.Duration {
	return time.Duration(m.HealthTimeoutMS) * time.Millisecond
}

// ChunkDelay returns the cooperative pause after every forwarded chunk
func (p PipelineConfig) ChunkDelay() time.Duration {
	return time.Duration(p.ChunkDelayUS) * time.Microsecond
}
