package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prompt-relay/internal/config"
	"prompt-relay/internal/logx"
	"prompt-relay/internal/models"
	"prompt-relay/internal/provider"
	"prompt-relay/internal/relay"
	"prompt-relay/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 90 * time.Second
	writeTimeoutMargin  = 5 * time.Second
	idleTimeout         = 120 * time.Second
)

// Relayer is the relay surface the HTTP host routes into.
type Relayer interface {
	Collect(ctx context.Context, prompt string) (models.Completion, error)
	StreamHandle(ctx context.Context, prompt string, sink relay.Sink) error
}

type Server struct {
	cfg     config.Config
	relay   Relayer
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
// gatherer may be nil, in which case /metrics is not served.
func New(cfg config.Config, rl Relayer, gatherer prometheus.Gatherer) (*Server, error) {
	if rl == nil {
		return nil, errors.New("relay must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := logx.Log.Info()
			if v.Error != nil {
				evt = logx.Log.Warn().Err(v.Error)
			}
			evt.Str("request_id", v.RequestID).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		relay:   rl,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes(gatherer)

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.cfg.Upstream.Model)
	logx.Log.Info().Str("addr", s.address).Msg("starting server")

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: responseWriteTimeout(s.cfg.Upstream.Timeout),
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logx.Log.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// responseWriteTimeout keeps the write deadline past the collect deadline so a
// slow upstream still gets a 504 instead of a dropped connection. A zero
// upstream timeout leaves collect calls unbounded, so writes are unbounded too.
func responseWriteTimeout(upstream time.Duration) time.Duration {
	if upstream <= 0 {
		return 0
	}
	return max(writeTimeout, upstream+writeTimeoutMargin)
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.app.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	s.app.POST("/v1/prompt", s.handlePrompt)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePrompt(c echo.Context) error {
	var req translator.PromptRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := relay.ContextWithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))

	if req.Mode() == models.ModeStream {
		return s.streamPrompt(ctx, c, req.Prompt)
	}

	completion, err := s.relay.Collect(ctx, req.Prompt)
	if err != nil {
		return toHTTPError(err)
	}

	if prefersPlainText(c) {
		return c.String(http.StatusOK, completion.Text)
	}
	return c.JSON(http.StatusOK, translator.FromCompletion(completion))
}

func (s *Server) streamPrompt(ctx context.Context, c echo.Context, prompt string) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		logx.Log.Error().Msg("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	// streams outlive the server-wide write timeout
	if err := http.NewResponseController(writer).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logx.Log.Debug().Err(err).Msg("clear write deadline")
	}

	sink := &echoSink{res: c.Response(), flusher: flusher}
	err := s.relay.StreamHandle(ctx, prompt, sink)
	if err == nil {
		return nil
	}
	if !sink.opened {
		return toHTTPError(err)
	}

	// headers are gone; the relay already wrote the terminal error event
	logx.Log.Warn().
		Str("request_id", relay.RequestIDFromContext(ctx)).
		Err(err).
		Msg("stream ended early")
	return nil
}

// echoSink commits SSE headers only when the upstream accepted the call, so
// earlier failures can still be answered with a JSON error and status.
type echoSink struct {
	res     *echo.Response
	flusher http.Flusher
	opened  bool
}

func (s *echoSink) Open(contentType string) error {
	header := s.res.Header()
	header.Set(echo.HeaderContentType, contentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	s.res.WriteHeader(http.StatusOK)
	s.opened = true
	s.flusher.Flush()
	return nil
}

func (s *echoSink) Write(chunk []byte) error {
	if _, err := s.res.Write(chunk); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func prefersPlainText(c echo.Context) bool {
	accept := c.Request().Header.Get(echo.HeaderAccept)
	return strings.HasPrefix(strings.TrimSpace(accept), echo.MIMETextPlain)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	kind := provider.Kind(err)
	switch {
	case errors.Is(err, provider.ErrInvalidPrompt):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    kind,
		}
	case errors.Is(err, provider.ErrConfiguration):
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "relay is not configured: " + err.Error(),
			Type:    kind,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "upstream provider timed out",
			Type:    kind,
		}
	}

	var statusErr *provider.StatusError
	if errors.As(err, &statusErr) {
		status := http.StatusBadGateway
		if statusErr.StatusCode == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		return requestError{
			Status:  status,
			Message: statusErr.Error(),
			Type:    kind,
			Code:    fmt.Sprint(statusErr.StatusCode),
		}
	}

	if errors.Is(err, provider.ErrParse) || errors.Is(err, provider.ErrTransport) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: err.Error(),
			Type:    kind,
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func printStartupBanner(port int, model string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("prompt-relay ready")
	fmt.Printf("Listening on http://%s:%d (upstream model %s)\n", host, port, model)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST /v1/prompt")
	fmt.Printf("Collect example:\n  curl http://%s:%d/v1/prompt -H 'Content-Type: application/json' -d '{\"prompt\":\"hello\"}'\n", host, port)
	fmt.Printf("Stream example:\n  curl -N http://%s:%d/v1/prompt -H 'Content-Type: application/json' -d '{\"prompt\":\"hello\",\"stream\":true}'\n\n", host, port)
}
