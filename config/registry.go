package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultTestInput is the canned response used in test mode when the
// system messages file does not provide one.
const DefaultTestInput = "Sure, let's check the arithmetic.\n\n```python\nprint(2 + 2)\n```\n\nAnd the shell agrees:\n\n```bash\necho $((2 + 2))\n```\n"

// SystemMessages is the on-disk format of the system messages file
type SystemMessages struct {
	SystemMessage map[string]string `yaml:"system_message"`
	TestMessages  struct {
		Input string `yaml:"input"`
	} `yaml:"test_messages"`
}

type snapshot struct {
	backends []Backend
	index    map[string]int
	messages SystemMessages
}

// Registry is the process-wide, read-only view of the configured backends
// and system messages. Readers never lock; Reload swaps the whole view.
type Registry struct {
	cfg   *Config
	state atomic.Pointer[snapshot]

	// reloadMu serializes reloads; the viper instance is not goroutine-safe.
	reloadMu sync.Mutex
}

// NewRegistry builds the registry from the loaded configuration
func NewRegistry(cfg *Config) (*Registry, error) {
	r := &Registry{cfg: cfg}
	s, err := newSnapshot(cfg.Backends, cfg.Models.SystemMessagesFile)
	if err != nil {
		return nil, err
	}
	r.state.Store(s)
	return r, nil
}

func newSnapshot(backends []Backend, messagesFile string) (*snapshot, error) {
	messages, err := LoadSystemMessages(messagesFile)
	if err != nil {
		return nil, err
	}

	s := &snapshot{
		backends: append([]Backend(nil), backends...),
		index:    make(map[string]int, len(backends)),
		messages: messages,
	}
	for i, b := range s.backends {
		s.index[b.Name] = i
	}
	return s, nil
}

// LoadSystemMessages reads the YAML system messages file. A missing file
// yields the built-in defaults.
func LoadSystemMessages(path string) (SystemMessages, error) {
	var messages SystemMessages

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) || path == "":
		// fall through to defaults
	case err != nil:
		return messages, fmt.Errorf("failed to read system messages file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &messages); err != nil {
			return messages, fmt.Errorf("failed to parse system messages file %s: %w", path, err)
		}
	}

	if messages.SystemMessage == nil {
		messages.SystemMessage = map[string]string{}
	}
	if _, ok := messages.SystemMessage["python"]; !ok {
		messages.SystemMessage["python"] = "You are a helpful programming assistant. " +
			"Answer with runnable Python in ```python fenced blocks and shell commands in ```bash blocks."
	}
	if messages.TestMessages.Input == "" {
		messages.TestMessages.Input = DefaultTestInput
	}
	return messages, nil
}

// Backend returns the backend registered under name
func (r *Registry) Backend(name string) (Backend, bool) {
	s := r.state.Load()
	i, ok := s.index[name]
	if !ok {
		return Backend{}, false
	}
	return s.backends[i], true
}

// Names returns backend names in configuration order
func (r *Registry) Names() []string {
	s := r.state.Load()
	names := make([]string, len(s.backends))
	for i, b := range s.backends {
		names[i] = b.Name
	}
	return names
}

// SystemMessage returns the system message for a language, empty if unknown
func (r *Registry) SystemMessage(language string) string {
	return r.state.Load().messages.SystemMessage[language]
}

// TestInput returns the canned test-mode response
func (r *Registry) TestInput() string {
	return r.state.Load().messages.TestMessages.Input
}

// Reload re-reads the config file (when one backs the configuration) and the
// system messages file, then atomically replaces the current view. On error
// the previous view stays in place.
func (r *Registry) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	backends := r.state.Load().backends
	messagesFile := r.cfg.Models.SystemMessagesFile

	if r.cfg.v != nil {
		fresh, err := load(r.cfg.v)
		if err != nil {
			return fmt.Errorf("failed to reload config: %w", err)
		}
		backends = fresh.Backends
		messagesFile = fresh.Models.SystemMessagesFile
	}

	s, err := newSnapshot(backends, messagesFile)
	if err != nil {
		return err
	}
	r.state.Store(s)
	return nil
}

// Watch reloads the registry whenever the backing config file changes
func (r *Registry) Watch(logger *zap.Logger) {
	if r.cfg.v == nil {
		return
	}
	r.cfg.v.OnConfigChange(func(e fsnotify.Event) {
		if err := r.Reload(); err != nil {
			logger.Warn("config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", e.Name), zap.Strings("backends", r.Names()))
	})
	r.cfg.v.WatchConfig()
}
