package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "picobot",
		Short: "PicoBot - multi-channel AI agent gateway",
		Long: `PicoBot connects messaging platforms to LLM providers behind a
permissioned tool kernel.

Supported channels: WhatsApp, Slack, Discord, Telegram, Mattermost, Nostr, WebSocket
Supported LLM providers: Anthropic, OpenAI, Gemini, Bedrock`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)

	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: transports, scheduler, retention, and the HTTP/WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: picobot.yaml, or $PICOBOT_CONFIG)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "override observability.log_level to debug")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Open the session database, applying any pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: picobot.yaml, or $PICOBOT_CONFIG)")
	return cmd
}

// resolveConfigPath picks the config file: an explicit --config flag
// wins, then $PICOBOT_CONFIG, then the conventional default filename in
// the working directory.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PICOBOT_CONFIG"); env != "" {
		return env
	}
	return "picobot.yaml"
}
