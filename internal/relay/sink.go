package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"prompt-relay/internal/provider"
)

// Sink receives a streamed response.
type Sink interface {
	// Open is called once the upstream accepted the request, before the first chunk.
	Open(contentType string) error
	// Write forwards one chunk verbatim. The slice is only valid until Write returns.
	Write(chunk []byte) error
}

type writerSink struct {
	w io.Writer
}

// NewWriterSink adapts w to a Sink, flushing after every chunk when w supports it.
func NewWriterSink(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Open(string) error {
	return nil
}

func (s *writerSink) Write(chunk []byte) error {
	if _, err := s.w.Write(chunk); err != nil {
		return err
	}
	switch f := s.w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		return f.Flush()
	}
	return nil
}

type errorPayload struct {
	Type  string `json:"type"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// errorEvent renders the terminal SSE frame written when a stream breaks
// after it was opened. The leading blank lines close any partial event.
func errorEvent(err error) []byte {
	var payload errorPayload
	payload.Type = "error"
	payload.Error.Message = err.Error()
	payload.Error.Type = provider.Kind(err)

	data, merr := json.Marshal(payload)
	if merr != nil {
		data = []byte(`{"type":"error","error":{"message":"stream interrupted","type":"relay_error"}}`)
	}
	return []byte(fmt.Sprintf("\n\nevent: error\ndata: %s\n\n", data))
}
