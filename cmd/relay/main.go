// Command relay bridges 8 kHz telephony WebSocket clients to Gemini Live.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Telephony to Gemini Live voice relay",
		Long: `relay accepts 8 kHz PCM16 callers over WebSocket, resamples their
audio for a Gemini Live session and streams the spoken reply back in
20 ms frames.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file (missing file is ignored)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCheckCmd())
	return root
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func setupLogging(cfg config) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.slogLevel()})))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}
