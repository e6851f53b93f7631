// Package main provides the CLI entry point for PicoBot, a multi-channel
// AI agent gateway: it binds a permissioned tool kernel to WhatsApp,
// Slack, Discord, Telegram, Mattermost, Nostr, and a WebSocket transport,
// runs scheduled background jobs, and sweeps session retention.
//
// # Basic Usage
//
// Start the server:
//
//	picobot serve --config picobot.yaml
//
// Apply database migrations (idempotent; also run automatically by serve):
//
//	picobot migrate --config picobot.yaml
//
// # Environment Variables
//
//   - PICOBOT_CONFIG: path to the configuration file (default: picobot.yaml)
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
