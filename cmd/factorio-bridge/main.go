// Command factorio-bridge relays Factorio server logs to Discord and lets
// Discord users query and administer the servers over RCON.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manamana32321/factorio-bridge/internal/config"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "factorio-bridge",
		Short: "Bridge Factorio server logs and RCON to Discord",
		Long: `Tail the console log of one or more Factorio servers, turn matching
lines into game events and deliver them to Discord. Discord messages are
relayed back into the game and prefixed commands are executed over RCON.

Secrets come from the environment:
  DISCORD_BOT_TOKEN          bot token, the bot is disabled without it
  RCON_PASSWORD              RCON password shared by all servers
  RCON_PASSWORD_<TAG>        per-server override, e.g. RCON_PASSWORD_PROD_EU`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = config.DefaultPath
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath,
		"Path to the YAML configuration file (env CONFIG_PATH)")

	root.AddCommand(newPatternsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
