package model

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/fastgpt/config"
)

// Delta is one element of a completion stream. A Delta with Err set is
// always the last one and carries a fault that must fail the turn.
type Delta struct {
	Text string
	Err  error
}

// Client streams completions from the configured backends
type Client struct {
	logger   *zap.Logger
	registry *config.Registry
	counter  TokenCounter
	streamer Streamer
	launcher Launcher

	minimumTokens int
	language      string
}

// Option defines a functional option for Client
type Option func(*Client)

// WithStreamer sets the completion transport
func WithStreamer(s Streamer) Option {
	return func(c *Client) {
		c.streamer = s
	}
}

// WithLauncher sets the local backend launcher
func WithLauncher(l Launcher) Option {
	return func(c *Client) {
		c.launcher = l
	}
}

// New creates a model client with the OpenAI-compatible streamer and the
// local backend launcher unless overridden.
func New(logger *zap.Logger, cfg *config.Config, registry *config.Registry, counter TokenCounter, opts ...Option) *Client {
	c := &Client{
		logger:        logger,
		registry:      registry,
		counter:       counter,
		streamer:      NewOpenAIStreamer(),
		launcher:      NewLocalLauncher(logger, cfg.Models),
		minimumTokens: cfg.Models.MinimumCompletionTokens,
		language:      cfg.Models.DefaultLanguage,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListModelNames returns backend names in configuration order
func (c *Client) ListModelNames() []string {
	return c.registry.Names()
}

// Messages builds the chat messages for a prompt
func (c *Client) Messages(prompt string) []Message {
	return []Message{
		{Role: RoleSystem, Content: c.registry.SystemMessage(c.language)},
		{Role: RoleUser, Content: prompt},
	}
}

// Budget returns the completion token budget for the messages. A fixed
// output cap on the backend takes precedence over context accounting.
func (c *Client) Budget(backend config.Backend, messages []Message) (int, error) {
	if backend.MaxOutputTokens > 0 {
		return backend.MaxOutputTokens, nil
	}

	used := 0
	for _, m := range messages {
		n, err := c.counter.Count(m.Content)
		if err != nil {
			return 0, fmt.Errorf("failed to count tokens: %w", err)
		}
		used += n
	}
	return backend.MaxContextTokens - used, nil
}

// SendPrompt streams the completion for prompt from the named model.
// Recoverable backend faults become a single diagnostic delta; the channel
// is closed when the stream ends.
func (c *Client) SendPrompt(ctx context.Context, prompt, modelName string) (<-chan Delta, error) {
	backend, ok := c.registry.Backend(modelName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}

	messages := c.Messages(prompt)
	budget, err := c.Budget(backend, messages)
	if err != nil {
		return nil, err
	}

	if budget <= c.minimumTokens {
		msg := fmt.Sprintf("Adjusted max tokens (%d) is too low for model %s", budget, modelName)
		c.logger.Warn("token budget too low", zap.String("model", modelName), zap.Int("max_tokens", budget))
		return single(msg), nil
	}

	if err := c.launcher.Ensure(ctx, backend); err != nil {
		return nil, fmt.Errorf("failed to start local backend for %s: %w", modelName, err)
	}

	c.logger.Info("sending prompt", zap.String("model", modelName), zap.Int("max_tokens", budget))
	stream, err := c.streamer.Stream(ctx, CompletionRequest{
		Backend:   backend,
		Messages:  messages,
		MaxTokens: budget,
	})
	if err != nil {
		if msg, ok := c.diagnose(modelName, err); ok {
			return single(msg), nil
		}
		return nil, err
	}

	deltas := make(chan Delta)
	go c.forward(ctx, modelName, stream, deltas)
	return deltas, nil
}

func (c *Client) forward(ctx context.Context, modelName string, stream ChunkStream, deltas chan<- Delta) {
	defer close(deltas)
	defer stream.Close()

	send := func(d Delta) bool {
		select {
		case deltas <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		text := stream.Text()
		if text == "" {
			c.logger.Warn("empty chunk from model", zap.String("model", modelName))
			continue
		}
		if !send(Delta{Text: text}) {
			return
		}
	}

	err := stream.Err()
	if err == nil {
		return
	}
	if msg, ok := c.diagnose(modelName, err); ok {
		send(Delta{Text: msg})
		return
	}
	send(Delta{Err: err})
}

// diagnose turns a recoverable fault into a diagnostic message
func (c *Client) diagnose(modelName string, err error) (string, bool) {
	kind := Classify(err)
	if !kind.Recoverable() {
		return "", false
	}

	fault := &Fault{Kind: kind, Model: modelName, Err: err}
	var existing *Fault
	if errors.As(err, &existing) {
		fault = existing
	}
	c.logger.Error("model request failed", zap.String("model", modelName), zap.Stringer("kind", kind), zap.Error(err))
	return fault.Error(), true
}

func single(text string) <-chan Delta {
	ch := make(chan Delta, 1)
	ch <- Delta{Text: text}
	close(ch)
	return ch
}
