package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"crewchat/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Crew chat terminal client",
	Long: `chatclient talks to a crewchat gateway.

Available commands:
  chat <room>   Join a room and chat from the terminal
  token         Issue a development bearer token

Settings are read from the environment (and .env): CREWCHAT_ENDPOINT,
CREWCHAT_TOKEN, CREWCHAT_USER_ID, CREWCHAT_USER_NAME.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	config.LoadDotEnv()
}
