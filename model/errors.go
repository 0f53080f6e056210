package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go"
)

var (
	// ErrUnknownModel is returned for model names missing from the registry
	ErrUnknownModel = errors.New("unknown model")
	// ErrModelLoadTimeout is returned when a local backend does not report
	// a loaded model within the loading timeout
	ErrModelLoadTimeout = errors.New("timed out waiting for model to load")
)

// FaultKind classifies an error from the completion call
type FaultKind int

const (
	Other FaultKind = iota
	RateLimited
	Unauthorized
	Forbidden
	BadRequest
	Transport
	APIError
)

func (k FaultKind) String() string {
	switch k {
	case RateLimited:
		return "rate limited"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case BadRequest:
		return "bad request"
	case Transport:
		return "transport"
	case APIError:
		return "api error"
	default:
		return "other"
	}
}

// Recoverable reports whether a fault ends the stream gracefully instead of
// failing the turn.
func (k FaultKind) Recoverable() bool {
	return k != Other
}

// Fault is a classified completion error
type Fault struct {
	Kind  FaultKind
	Model string
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s error from model %s: %v", f.Kind, f.Model, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Classify maps an error from the completion call onto a FaultKind
func Classify(err error) FaultKind {
	if err == nil {
		return Other
	}

	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Kind
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return RateLimited
		case http.StatusUnauthorized:
			return Unauthorized
		case http.StatusForbidden:
			return Forbidden
		case http.StatusBadRequest:
			return BadRequest
		default:
			return APIError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transport
	}

	return Other
}
