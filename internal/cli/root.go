package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/config"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Incremental mailbox sync with idempotent ingestion",
	Long: `mailsync pulls new and changed messages from Gmail, Outlook and IMAP
mailboxes into a local sqlite store, resuming from a per-mailbox checkpoint.

Committed changes are queued in an outbox and published to NATS JetStream.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level, _ := config.ParseLevel(cfg.LogLevel)
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MAILSYNC_CONFIG"), "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, syncCmd, checkpointCmd)
}
