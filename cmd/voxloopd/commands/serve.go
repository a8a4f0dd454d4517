package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voxloop/voxloop/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig(configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg, Version)
		if err != nil {
			return err
		}
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
