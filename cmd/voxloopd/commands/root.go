// Package commands implements the voxloopd CLI.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "voxloopd",
	Short: "voxloop real-time voice agent server",
	Long: `voxloopd serves bidirectional voice sessions over websocket:
client audio in, VAD + streaming ASR, turn detection, streaming LLM
with tool calls, sentence-gated TTS back out.

Providers and the agent persona come from a single YAML config file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "voxloop.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
