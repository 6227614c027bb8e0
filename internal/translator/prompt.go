package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"prompt-relay/internal/models"
)

var (
	errEmptyPrompt     = errors.New("prompt must be provided")
	errAmbiguousPrompt = errors.New("only one of prompt or input may be set")
)

// PromptRequest models the inbound /v1/prompt payload.
type PromptRequest struct {
	Prompt string
	Stream bool
}

// UnmarshalJSON accepts either "prompt" or the Responses-style "input" field.
func (r *PromptRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Prompt *string `json:"prompt"`
		Input  *string `json:"input"`
		Stream bool    `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode prompt request: %w", err)
	}

	if raw.Prompt != nil && raw.Input != nil {
		return errAmbiguousPrompt
	}

	switch {
	case raw.Prompt != nil:
		r.Prompt = *raw.Prompt
	case raw.Input != nil:
		r.Prompt = *raw.Input
	default:
		r.Prompt = ""
	}
	r.Stream = raw.Stream

	return r.validate()
}

func (r *PromptRequest) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errEmptyPrompt
	}
	return nil
}

// Mode reports which relay variant serves the request.
func (r PromptRequest) Mode() models.Mode {
	if r.Stream {
		return models.ModeStream
	}
	return models.ModeCollect
}

// PromptResponse is the collected reply returned to inbound callers.
type PromptResponse struct {
	Output string      `json:"output"`
	ID     string      `json:"id,omitempty"`
	Model  string      `json:"model,omitempty"`
	Usage  *UsageBlock `json:"usage,omitempty"`
}

// UsageBlock mirrors the upstream token accounting.
type UsageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FromCompletion converts a collected completion into the inbound reply shape.
func FromCompletion(c models.Completion) PromptResponse {
	resp := PromptResponse{
		Output: c.Text,
		ID:     c.ID,
		Model:  c.Model,
	}
	if c.Usage != (models.Usage{}) {
		resp.Usage = &UsageBlock{
			InputTokens:  c.Usage.InputTokens,
			OutputTokens: c.Usage.OutputTokens,
			TotalTokens:  c.Usage.TotalTokens,
		}
	}
	return resp
}
