package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var maxPages int

var syncCmd = &cobra.Command{
	Use:   "sync <mailbox>",
	Short: "Run one sync of a mailbox and print the run report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if maxPages > 0 {
			for i := range cfg.Mailboxes {
				if cfg.Mailboxes[i].ID == args[0] {
					cfg.Mailboxes[i].MaxPages = maxPages
				}
			}
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		report, runErr := a.manager.RunOnce(ctx, args[0])
		if report != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		}
		if runErr != nil {
			return fmt.Errorf("sync %s: %w", args[0], runErr)
		}
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <mailbox>",
	Short: "Print the stored checkpoint of a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := cfg.Mailbox(args[0]); !ok {
			return fmt.Errorf("unknown mailbox %q", args[0])
		}
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		cp, err := a.store.GetCheckpoint(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if cp == nil {
			fmt.Fprintln(os.Stdout, "no checkpoint")
			return nil
		}
		return json.NewEncoder(os.Stdout).Encode(cp)
	},
}

func init() {
	syncCmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many pages (0 uses the configured value)")
}
