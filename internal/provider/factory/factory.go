package factory

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"prompt-relay/internal/config"
	"prompt-relay/internal/provider"
	openaiProvider "prompt-relay/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// NewConfiguredProvider constructs the upstream provider described by cfg.
func NewConfiguredProvider(cfg config.Config) (provider.Provider, error) {
	client := NewHTTPClient(cfg.Upstream.Timeout)
	p, err := openaiProvider.New("openai", cfg.Upstream, client)
	if err != nil {
		return nil, fmt.Errorf("initialise openai provider: %w", err)
	}
	return p, nil
}

// NewHTTPClient builds the upstream client. It carries no overall timeout
// because streamed bodies may stay open for as long as the caller's context
// allows; headerTimeout bounds the wait for the upstream to start answering.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}

	return &http.Client{
		Transport: transport,
	}
}
