package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"prompt-relay/internal/config"
	"prompt-relay/internal/models"
	"prompt-relay/internal/provider"
)

func newTestProvider(t *testing.T, baseURL, apiKey string) *Provider {
	t.Helper()
	p, err := New("openai", config.UpstreamConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Headers: config.Headers{"OpenAI-Organization": "org-test"},
	}, http.DefaultClient)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

type capturedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

// captureServer answers every request with status and body, reporting what it received.
func captureServer(t *testing.T, status int, contentType, body string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	ch := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		ch <- capturedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: data}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func TestOpenSendsResponsesRequest(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, "application/json", `{"output":[{"content":[{"text":"hi there"}]}]}`)

	p := newTestProvider(t, srv.URL+"/v1/", "sk-test")
	body, err := p.Open(context.Background(), models.ResponsesRequest{Model: "gpt-4.1", Input: "hello"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer body.Close()

	got := <-captured
	if got.method != http.MethodPost {
		t.Fatalf("expected POST, got %s", got.method)
	}
	if got.path != "/v1/responses" {
		t.Fatalf("expected /v1/responses, got %s", got.path)
	}
	if v := got.header.Get("Authorization"); v != "Bearer sk-test" {
		t.Fatalf("unexpected authorization %q", v)
	}
	if v := got.header.Get("Content-Type"); v != "application/json" {
		t.Fatalf("unexpected content type %q", v)
	}
	if v := got.header.Get("Accept"); v != "application/json" {
		t.Fatalf("unexpected accept %q", v)
	}
	if v := got.header.Get("OpenAI-Organization"); v != "org-test" {
		t.Fatalf("configured header not forwarded, got %q", v)
	}
	if string(got.body) != `{"model":"gpt-4.1","input":"hello","stream":false}` {
		t.Fatalf("unexpected body %s", got.body)
	}
}

func TestOpenStreamingAcceptsEventStream(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, "text/event-stream", "")

	p := newTestProvider(t, srv.URL, "sk-test")
	body, err := p.Open(context.Background(), models.ResponsesRequest{Model: "gpt-4.1", Input: "hi", Stream: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = body.Close()

	got := <-captured
	if v := got.header.Get("Accept"); v != "text/event-stream" {
		t.Fatalf("unexpected accept %q", v)
	}
	var payload map[string]any
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["stream"] != true {
		t.Fatalf("expected stream=true, got %v", payload["stream"])
	}
}

func TestOpenWithoutAPIKeySendsNothing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, "  ")
	_, err := p.Open(context.Background(), models.ResponsesRequest{Model: "gpt-4.1", Input: "hello"})
	if !errors.Is(err, provider.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if !errors.Is(err, provider.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no upstream requests, got %d", hits.Load())
	}
}

func TestOpenMapsErrorStatus(t *testing.T) {
	srv, _ := captureServer(t, http.StatusUnauthorized, "application/json",
		`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)

	p := newTestProvider(t, srv.URL, "sk-bad")
	_, err := p.Open(context.Background(), models.ResponsesRequest{Model: "gpt-4.1", Input: "hello"})
	if !errors.Is(err, provider.ErrUpstreamStatus) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
	var statusErr *provider.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", statusErr.StatusCode)
	}
	if statusErr.Type != "invalid_request_error" || statusErr.Message != "Incorrect API key provided" {
		t.Fatalf("unexpected error details %+v", statusErr)
	}
}

func TestOpenMapsPlainErrorBody(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway, "text/plain", "bad gateway\n")

	p := newTestProvider(t, srv.URL, "sk-test")
	_, err := p.Open(context.Background(), models.ResponsesRequest{Model: "gpt-4.1", Input: "hello"})
	var statusErr *provider.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway || statusErr.Message != "bad gateway" {
		t.Fatalf("unexpected error details %+v", statusErr)
	}
}

func TestOpenTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := newTestProvider(t, url, "sk-test")
	_, err := p.Open(context.Background(), models.ResponsesRequest{Model: "gpt-4.1", Input: "hello"})
	if !errors.Is(err, provider.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	p := newTestProvider(t, "https://api.openai.com/v1", "sk-test")

	cases := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "first content text",
			body: `{"output":[{"content":[{"text":"hi there"}]}]}`,
			want: "hi there",
		},
		{
			name: "nested output_text",
			body: `{"output":[{"content":[{"output_text":{"text":"nested"}}]}]}`,
			want: "nested",
		},
		{
			name: "message after reasoning item",
			body: `{"output":[{"type":"reasoning","summary":[]},{"type":"message","content":[{"type":"output_text","text":"Hello, "},{"type":"output_text","text":"world"}]}]}`,
			want: "Hello, world",
		},
		{
			name: "empty text is still a value",
			body: `{"output":[{"content":[{"text":""}]}]}`,
			want: "",
		},
		{
			name:    "missing output",
			body:    `{"id":"resp_1","status":"completed"}`,
			wantErr: true,
		},
		{
			name:    "text not a string",
			body:    `{"output":[{"content":[{"text":42}]}]}`,
			wantErr: true,
		},
		{
			name:    "upstream error document",
			body:    `{"status":"failed","error":{"message":"server overloaded"}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `<html>oops</html>`,
			wantErr: true,
		},
		{
			name:    "json array",
			body:    `[1,2,3]`,
			wantErr: true,
		},
		{
			name:    "invalid utf-8",
			body:    "{\"output\":[{\"content\":[{\"text\":\"\xff\"}]}]}",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Decode([]byte(tc.body))
			if tc.wantErr {
				if !errors.Is(err, provider.ErrParse) {
					t.Fatalf("expected ErrParse, got %v (text %q)", err, got.Text)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Text != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got.Text)
			}
		})
	}
}

func TestDecodeMetadata(t *testing.T) {
	p := newTestProvider(t, "https://api.openai.com/v1", "sk-test")
	got, err := p.Decode([]byte(`{"id":"resp_123","model":"gpt-4.1-2025-04-14","status":"completed",
		"output":[{"type":"message","content":[{"type":"output_text","text":"ok"}]}],
		"usage":{"input_tokens":5,"output_tokens":2,"total_tokens":7}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "resp_123" || got.Model != "gpt-4.1-2025-04-14" || got.Status != "completed" {
		t.Fatalf("unexpected metadata %+v", got)
	}
	if got.Usage != (models.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}) {
		t.Fatalf("unexpected usage %+v", got.Usage)
	}
}
