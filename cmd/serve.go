package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"prompt-relay/internal/config"
	"prompt-relay/internal/logx"
	"prompt-relay/internal/server"
)

const serveUsage = `Usage:
  prompt-relay serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration

The upstream credential is read from OPENAI_API_KEY (or ./.env).`

func serve(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if fs.Changed("port") {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	if err := logx.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	if cfg.Upstream.APIKey == "" {
		logx.Log.Warn().Str("env", config.EnvAPIKey).Msg("no upstream api key configured; every relay call will fail")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rl, err := newRelay(cfg, registry)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rl, registry)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
