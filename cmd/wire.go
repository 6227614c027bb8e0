package cmd

import (
	"github.com/prometheus/client_golang/prometheus"

	"prompt-relay/internal/config"
	"prompt-relay/internal/metrics"
	providerfactory "prompt-relay/internal/provider/factory"
	"prompt-relay/internal/relay"
)

// newRelay wires the configured provider into a relay. registerer may be nil.
func newRelay(cfg config.Config, registerer prometheus.Registerer) (*relay.Relay, error) {
	p, err := providerfactory.NewConfiguredProvider(cfg)
	if err != nil {
		return nil, err
	}

	opts := []relay.Option{relay.WithCollectTimeout(cfg.Upstream.Timeout)}
	if registerer != nil {
		opts = append(opts, relay.WithMetrics(metrics.New(registerer)))
	}

	return relay.New(p, cfg.Upstream.Model, opts...)
}
