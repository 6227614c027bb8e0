package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"prompt-relay/internal/models"
)

// ErrConfiguration is the parent of every configuration failure.
var ErrConfiguration = errors.New("configuration error")

// ErrMissingAPIKey indicates no credential was configured for the upstream.
var ErrMissingAPIKey = fmt.Errorf("%w: api key is not set", ErrConfiguration)

// ErrInvalidPrompt indicates the prompt cannot be sent upstream byte for byte.
var ErrInvalidPrompt = errors.New("invalid prompt")

// ErrTransport indicates the upstream could not be reached or the connection broke.
var ErrTransport = errors.New("upstream transport error")

// ErrUpstreamStatus indicates the upstream answered with a non-2xx status.
var ErrUpstreamStatus = errors.New("upstream returned an error status")

// ErrParse indicates the upstream document was malformed or lacked the expected fields.
var ErrParse = errors.New("unexpected upstream response")

// StatusError carries the details of a non-2xx upstream reply.
type StatusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("upstream status %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrUpstreamStatus
}

// Provider defines the behaviour required to serve relay calls.
type Provider interface {
	Name() string
	// Open issues the request and returns the body of a 2xx reply.
	// The caller must close the returned body.
	Open(ctx context.Context, req models.ResponsesRequest) (io.ReadCloser, error)
	// Decode extracts the generated text from a complete response document.
	Decode(body []byte) (models.Completion, error)
}

// Kind classifies err into a stable short name for logs and error payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrInvalidPrompt):
		return "invalid_request_error"
	case errors.Is(err, ErrUpstreamStatus):
		return "upstream_error"
	case errors.Is(err, ErrParse):
		return "upstream_parse_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "upstream_unreachable"
	default:
		return "relay_error"
	}
}
