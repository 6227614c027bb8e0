package models

import "fmt"

// Mode selects how a relay call returns the upstream response.
type Mode int

const (
	// ModeCollect waits for the full upstream document and extracts its text.
	ModeCollect Mode = iota
	// ModeStream forwards upstream chunks as they arrive.
	ModeStream
)

func (m Mode) String() string {
	switch m {
	case ModeCollect:
		return "collect"
	case ModeStream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ResponsesRequest is the body sent to the Responses API.
type ResponsesRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Stream bool   `json:"stream"`
}

// Completion captures a collected upstream response.
type Completion struct {
	ID     string
	Model  string
	Status string
	Text   string
	Usage  Usage
}

// Usage records token accounting information.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
