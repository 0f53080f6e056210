package model

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/isdmx/fastgpt/config"
)

// Role of a chat message
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one chat message sent to a backend
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest is one streaming completion call
type CompletionRequest struct {
	Backend   config.Backend
	Messages  []Message
	MaxTokens int
}

// ChunkStream is an open completion stream
type ChunkStream interface {
	Next() bool
	// Text returns the content delta of the current chunk, possibly empty
	Text() string
	Err() error
	Close() error
}

// Streamer opens completion streams against a backend
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest) (ChunkStream, error)
}

// OpenAIStreamer talks to any OpenAI-compatible chat completions endpoint
type OpenAIStreamer struct {
	opts []option.RequestOption
}

// Verify interface compliance.
var _ Streamer = (*OpenAIStreamer)(nil)

// NewOpenAIStreamer creates a streamer; opts apply to every request
func NewOpenAIStreamer(opts ...option.RequestOption) *OpenAIStreamer {
	return &OpenAIStreamer{opts: opts}
}

// Stream starts a streaming chat completion. Request errors surface from
// the first call to Next via Err.
func (s *OpenAIStreamer) Stream(ctx context.Context, req CompletionRequest) (ChunkStream, error) {
	opts := append([]option.RequestOption{
		option.WithBaseURL(req.Backend.URL),
		option.WithAPIKey(req.Backend.Key),
	}, s.opts...)
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model:     req.Backend.Name,
		Messages:  convertMessages(req.Messages),
		MaxTokens: openai.Int(int64(req.MaxTokens)),
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, err
	}
	return &openAIStream{stream: stream}, nil
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

type openAIStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *openAIStream) Next() bool {
	return s.stream.Next()
}

func (s *openAIStream) Text() string {
	chunk := s.stream.Current()
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func (s *openAIStream) Err() error {
	return s.stream.Err()
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
