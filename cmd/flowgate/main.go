// Package main provides the CLI entry point for flowgate, the conversational
// message router and LLM provider gateway.
//
// # Basic Usage
//
// Start the server:
//
//	flowgate serve --config flowgate.yaml
//
// Dry-run routing for a message:
//
//	flowgate route --channel web --sender u1 "refund my order"
//
// Probe every configured provider once:
//
//	flowgate health
//
// # Environment Variables
//
//   - FLOWGATE_CONFIG: Path to configuration file (default: flowgate.yaml)
//
// Provider credentials are usually referenced from the configuration file with
// ${OPENAI_API_KEY}-style expansion.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/flowgate/internal/observability"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "flowgate.yaml"

func main() {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	}))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowgate",
		Short: "flowgate - policy routing and failover for LLM conversations",
		Long: `flowgate routes incoming conversational messages to a flow, calls a
completion provider with failover and circuit breaking, runs the tools the
model asks for and returns the final answer.

Supported providers: OpenAI, Azure OpenAI, OpenRouter, Anthropic, Google,
Amazon Bedrock, Ollama`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRouteCmd(),
		buildHealthCmd(),
		buildConfigCmd(),
		buildPoliciesCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies FLOWGATE_CONFIG when no path was given.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("FLOWGATE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
