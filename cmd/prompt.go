package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"prompt-relay/internal/config"
	"prompt-relay/internal/logx"
	"prompt-relay/internal/relay"
)

const promptUsage = `Usage:
  prompt-relay prompt [--config <path>] [--stream] <text...>
  prompt-relay prompt [--config <path>] [--stream] -    (read the prompt from stdin)

Flags:
  --config string   Path to YAML configuration file (defaults apply when omitted)
  --stream          Print raw event-stream chunks as they arrive`

func prompt(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("prompt", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, promptUsage)
	}

	var cfgPath string
	var stream bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.BoolVar(&stream, "stream", false, "stream the reply")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse prompt flags: %w", err)
	}

	text, err := promptText(fs.Args(), os.Stdin)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := logx.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	rl, err := newRelay(cfg, nil)
	if err != nil {
		return err
	}

	if stream {
		return rl.StreamHandle(ctx, text, relay.NewWriterSink(os.Stdout))
	}

	out, err := rl.PromptHandle(ctx, text)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func promptText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		args = []string{string(data)}
	}

	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		return "", errors.New("prompt command requires prompt text")
	}
	return text, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}
