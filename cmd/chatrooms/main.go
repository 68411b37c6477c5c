package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chatrooms/cmd/internal/app"
)

var envFiles []string

// rootCmd serves when invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:           "chatrooms",
	Short:         "Group chat server with a live websocket channel",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return app.LoadDotEnv(envFiles...)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run(app.LoadConfig())
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv file(s) to load before reading CHAT_* variables (default .env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatrooms:", err)
		os.Exit(1)
	}
}
