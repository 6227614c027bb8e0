package cmd

import (
	"context"
	"fmt"
	"strings"
)

// Version is reported by the version command.
const Version = "0.1.0"

const usage = `prompt-relay forwards prompts to the OpenAI Responses API.

Usage:
  prompt-relay <command> [flags]

Commands:
  serve    Start the HTTP server
  prompt   Send a single prompt and print the reply
  version  Print the relay version

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "prompt":
		return prompt(ctx, args[1:])
	case "version":
		fmt.Printf("prompt-relay %s\n", Version)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
