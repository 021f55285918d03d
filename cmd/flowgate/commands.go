package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP intake.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the flowgate server",
		Long: `Start the flowgate HTTP server with all configured providers.

The server will:
1. Load and validate configuration
2. Open the database and apply migrations when one is configured
3. Register providers with the gateway and start health probes
4. Serve POST /v1/messages, GET /v1/stats, /healthz and metrics
5. Reload static routing rules when the config file changes

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  flowgate serve

  # Start with custom config and debug logging
  flowgate serve --config /etc/flowgate/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Route Command
// =============================================================================

func buildRouteCmd() *cobra.Command {
	var (
		configPath string
		opts       routeOptions
	)

	cmd := &cobra.Command{
		Use:   "route [content]",
		Short: "Show the routing decision for a message without calling a provider",
		Example: `  flowgate route --channel web --sender u1 "I want a refund"
  flowgate route --channel slack --instance support --segment vip "hello"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.content = args[0]
			}
			return runRoute(cmd, resolveConfigPath(configPath), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&opts.channel, "channel", "web", "Channel type of the message")
	cmd.Flags().StringVar(&opts.instance, "instance", "", "Channel instance ID")
	cmd.Flags().StringVar(&opts.sender, "sender", "cli", "Sender ID")
	cmd.Flags().StringVar(&opts.segment, "segment", "", "User segment")
	cmd.Flags().StringToStringVar(&opts.metadata, "meta", nil, "Additional metadata (key=value)")
	return cmd
}

// =============================================================================
// Health Command
// =============================================================================

func buildHealthCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every configured provider once",
		Long: `Ping every enabled provider and print its health. Providers without a
cheap liveness endpoint are reported as skipped. Exits non-zero when any
probed provider is unhealthy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and print its schema",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Policies Commands
// =============================================================================

func buildPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Validate and import routing policies",
	}
	cmd.AddCommand(buildPoliciesValidateCmd(), buildPoliciesImportCmd(), buildPoliciesSchemaCmd())
	return cmd
}

func buildPoliciesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoliciesValidate(cmd, args[0])
		},
	}
}

func buildPoliciesImportCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert policies from a file into the configured database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoliciesImport(cmd, resolveConfigPath(configPath), args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildPoliciesSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for a policy's flow config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoliciesSchema(cmd)
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "flowgate %s\n", version)
			fmt.Fprintf(out, "commit: %s\n", commit)
			fmt.Fprintf(out, "built:  %s\n", date)
		},
	}
}
