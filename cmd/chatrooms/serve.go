package main

import (
	"github.com/spf13/cobra"

	"chatrooms/cmd/internal/app"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.LoadConfig()
		if serveAddr != "" {
			cfg.HTTPAddr = serveAddr
		}
		return app.Run(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides CHAT_HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd)
}
