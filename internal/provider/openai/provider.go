package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"prompt-relay/internal/config"
	"prompt-relay/internal/models"
	"prompt-relay/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	userAgent       = "prompt-relay/0.1"
	maxErrorBody    = 64 * 1024
)

// Provider implements the Provider interface for the OpenAI Responses API.
type Provider struct {
	name         string
	apiKey       string
	headers      map[string]string
	client       *http.Client
	responsesURL string
}

// New creates a new OpenAI provider.
func New(name string, cfg config.UpstreamConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		name:         name,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		headers:      cfg.Headers,
		client:       client,
		responsesURL: baseURL + "/responses",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// Open posts req to the responses endpoint and hands back the body of a 2xx reply.
func (p *Provider) Open(ctx context.Context, req models.ResponsesRequest) (io.ReadCloser, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("provider %s: %w (set %s)", p.name, provider.ErrMissingAPIKey, config.EnvAPIKey)
	}

	accept := contentTypeJSON
	if req.Stream {
		accept = contentTypeSSE
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.responsesURL, accept, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai responses request failed: %w: %w", provider.ErrTransport, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return httpResp.Body, nil
}

// Decode extracts the generated text from a complete Responses API document.
func (p *Provider) Decode(body []byte) (models.Completion, error) {
	if !utf8.Valid(body) {
		return models.Completion{}, fmt.Errorf("%w: response body is not valid UTF-8", provider.ErrParse)
	}
	if !gjson.ValidBytes(body) {
		return models.Completion{}, fmt.Errorf("%w: response body is not valid JSON", provider.ErrParse)
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return models.Completion{}, fmt.Errorf("%w: response body is not a JSON object", provider.ErrParse)
	}

	text, ok := outputText(doc)
	if !ok {
		if msg := doc.Get("error.message"); msg.Type == gjson.String && msg.Str != "" {
			return models.Completion{}, fmt.Errorf("%w: no output text, upstream reported: %s", provider.ErrParse, msg.Str)
		}
		return models.Completion{}, fmt.Errorf("%w: no output text found in response", provider.ErrParse)
	}

	return models.Completion{
		ID:     doc.Get("id").String(),
		Model:  doc.Get("model").String(),
		Status: doc.Get("status").String(),
		Text:   text,
		Usage: models.Usage{
			InputTokens:  int(doc.Get("usage.input_tokens").Int()),
			OutputTokens: int(doc.Get("usage.output_tokens").Int()),
			TotalTokens:  int(doc.Get("usage.total_tokens").Int()),
		},
	}, nil
}

// outputText tries the first content block of the first output item, then
// falls back to the first message item carrying output_text parts.
func outputText(doc gjson.Result) (string, bool) {
	for _, path := range []string{
		"output.0.content.0.text",
		"output.0.content.0.output_text.text",
	} {
		if v := doc.Get(path); v.Type == gjson.String {
			return v.Str, true
		}
	}

	var (
		found   bool
		builder strings.Builder
	)
	doc.Get("output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "message" {
			return true
		}
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			text := part.Get("text")
			if part.Get("type").String() == "output_text" && text.Type == gjson.String {
				builder.WriteString(text.Str)
				found = true
			}
			return true
		})
		return !found
	})

	return builder.String(), found
}

func (p *Provider) newRequest(ctx context.Context, method, url, accept string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	return req, nil
}

func parseAPIError(resp *http.Response) error {
	statusErr := &provider.StatusError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		statusErr.Message = fmt.Sprintf("failed to read body: %v", err)
		return statusErr
	}

	if gjson.ValidBytes(body) {
		apiErr := gjson.GetBytes(body, "error")
		if msg := apiErr.Get("message").String(); msg != "" {
			statusErr.Type = apiErr.Get("type").String()
			statusErr.Message = msg
			return statusErr
		}
	}

	statusErr.Message = strings.TrimSpace(string(body))
	return statusErr
}
