package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"prompt-relay/internal/logx"
	"prompt-relay/internal/metrics"
	"prompt-relay/internal/models"
	"prompt-relay/internal/provider"
)

const (
	// StreamContentType is declared to the sink before the first streamed chunk.
	StreamContentType = "text/event-stream"

	readSize        = 16 * 1024
	maxCollectBytes = 16 << 20
)

// Relay forwards prompts to the upstream provider. It is safe for concurrent use.
type Relay struct {
	provider       provider.Provider
	model          string
	collectTimeout time.Duration
	metrics        *metrics.Recorder
}

// Option customises a Relay.
type Option func(*Relay)

// WithMetrics records per-call and per-chunk measurements on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(r *Relay) {
		r.metrics = rec
	}
}

// WithCollectTimeout bounds collecting calls. Streaming calls are bounded by
// the caller's context only.
func WithCollectTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.collectTimeout = d
	}
}

// New constructs a relay sending every prompt to model through p.
func New(p provider.Provider, model string, opts ...Option) (*Relay, error) {
	if p == nil {
		return nil, errors.New("provider must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("model must not be empty")
	}

	r := &Relay{
		provider: p,
		model:    model,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Model reports the upstream model every request is sent to.
func (r *Relay) Model() string {
	return r.model
}

// StreamHandle relays prompt upstream in streaming mode and forwards every
// chunk to sink as it arrives.
func (r *Relay) StreamHandle(ctx context.Context, prompt string, sink Sink) error {
	if sink == nil {
		return errors.New("sink must not be nil")
	}
	_, err := r.do(ctx, prompt, models.ModeStream, sink)
	return err
}

// PromptHandle relays prompt upstream and returns the generated text.
func (r *Relay) PromptHandle(ctx context.Context, prompt string) (string, error) {
	completion, err := r.Collect(ctx, prompt)
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

// Collect is PromptHandle returning the decoded response metadata as well.
func (r *Relay) Collect(ctx context.Context, prompt string) (models.Completion, error) {
	return r.do(ctx, prompt, models.ModeCollect, nil)
}

func (r *Relay) newRequest(prompt string, mode models.Mode) models.ResponsesRequest {
	return models.ResponsesRequest{
		Model:  r.model,
		Input:  prompt,
		Stream: mode == models.ModeStream,
	}
}

func (r *Relay) do(ctx context.Context, prompt string, mode models.Mode, sink Sink) (completion models.Completion, err error) {
	if mode != models.ModeCollect && mode != models.ModeStream {
		return models.Completion{}, fmt.Errorf("unsupported relay %s", mode)
	}

	start := time.Now()
	logCtx := logx.Log.With().
		Str("call_id", uuid.NewString()).
		Str("mode", mode.String()).
		Str("provider", r.provider.Name()).
		Str("model", r.model)
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		logCtx = logCtx.Str("request_id", reqID)
	}
	logger := logCtx.Logger()

	defer func() {
		r.metrics.RecordRequest(mode.String(), outcome(err), time.Since(start))
		if err != nil {
			logger.Warn().Err(err).Str("kind", provider.Kind(err)).Dur("elapsed", time.Since(start)).Msg("relay failed")
		}
	}()

	if mode == models.ModeCollect && r.collectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.collectTimeout)
		defer cancel()
	}

	// JSON encoding would replace invalid bytes with U+FFFD
	if !utf8.ValidString(prompt) {
		return models.Completion{}, fmt.Errorf("relay %s: %w: prompt is not valid UTF-8", mode, provider.ErrInvalidPrompt)
	}

	logger.Debug().Int("prompt_bytes", len(prompt)).Msg("dispatch")

	body, err := r.provider.Open(ctx, r.newRequest(prompt, mode))
	if err != nil {
		return models.Completion{}, fmt.Errorf("relay %s: %w", mode, err)
	}
	defer body.Close()

	if mode == models.ModeStream {
		return models.Completion{}, r.stream(body, sink, start, logger)
	}
	return r.collect(body, logger)
}

func (r *Relay) stream(body io.Reader, sink Sink, start time.Time, logger zerolog.Logger) error {
	if err := sink.Open(StreamContentType); err != nil {
		return fmt.Errorf("open sink: %w", err)
	}

	buf := make([]byte, readSize)
	var chunks, total int
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if chunks == 0 {
				r.metrics.ObserveFirstChunk(time.Since(start))
			}
			chunks++
			total += n
			r.metrics.RecordChunk(n)
			logger.Debug().Int("chunk", chunks).Int("bytes", n).Dur("elapsed", time.Since(start)).Msg("chunk relayed")

			if err := sink.Write(buf[:n]); err != nil {
				return fmt.Errorf("write chunk %d: %w", chunks, err)
			}
		}

		if errors.Is(readErr, io.EOF) {
			logger.Info().Int("chunks", chunks).Int("bytes", total).Dur("elapsed", time.Since(start)).Msg("stream complete")
			return nil
		}
		if readErr != nil {
			err := fmt.Errorf("relay stream: %w: read upstream after %d chunks: %w", provider.ErrTransport, chunks, readErr)
			if werr := sink.Write(errorEvent(err)); werr != nil {
				logger.Debug().Err(werr).Msg("terminal error event not delivered")
			}
			return err
		}
	}
}

func (r *Relay) collect(body io.Reader, logger zerolog.Logger) (models.Completion, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxCollectBytes+1))
	if err != nil {
		return models.Completion{}, fmt.Errorf("relay collect: %w: read upstream body: %w", provider.ErrTransport, err)
	}
	if len(data) > maxCollectBytes {
		return models.Completion{}, fmt.Errorf("relay collect: %w: response exceeds %d bytes", provider.ErrParse, maxCollectBytes)
	}

	completion, err := r.provider.Decode(data)
	if err != nil {
		return models.Completion{}, fmt.Errorf("relay collect: %w", err)
	}

	logger.Info().
		Int("bytes", len(data)).
		Str("response_id", completion.ID).
		Int("output_tokens", completion.Usage.OutputTokens).
		Msg("response collected")
	return completion, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return provider.Kind(err)
}
