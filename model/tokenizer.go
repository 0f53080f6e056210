package model

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/isdmx/fastgpt/config"
)

// TokenCounter counts tokens the way the target API accounts for them
type TokenCounter interface {
	Count(text string) (int, error)
}

// TiktokenCounter counts BPE tokens with an embedded vocabulary, so no
// network access is needed at startup.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (for example r50k_base)
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// NewTiktokenCounterFromConfig loads the configured encoding
func NewTiktokenCounterFromConfig(cfg *config.Config) (*TiktokenCounter, error) {
	return NewTiktokenCounter(cfg.Models.TokenizerEncoding)
}

func (t *TiktokenCounter) Count(text string) (int, error) {
	return len(t.enc.Encode(text, nil, nil)), nil
}
