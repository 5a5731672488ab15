package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/medsim/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull the case catalog and push unsynced sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		publish, _ := cmd.Flags().GetBool("publish-bundled")
		wait, _ := cmd.Flags().GetDuration("wait")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		if publish {
			n, err := a.Sync.PublishBundled(ctx)
			if err != nil {
				return fmt.Errorf("publish bundled cases: %w", err)
			}
			fmt.Fprintf(out, "Published %d bundled cases.\n", n)
		}

		res, err := a.SyncCatalog(ctx)
		if err != nil {
			return err
		}
		source := "remote"
		if res.FromFallback {
			source = "bundled snapshot (remote unreachable)"
		}
		fmt.Fprintf(out, "Catalog from %s: %d inserted, %d updated, %d unchanged, %d skipped.\n",
			source, res.Inserted, res.Updated, res.Unchanged, res.Skipped)

		n, err := a.Sync.RetryPending(ctx)
		if err != nil {
			return fmt.Errorf("retry pending pushes: %w", err)
		}
		if n == 0 {
			fmt.Fprintln(out, "No sessions waiting to be pushed.")
			return nil
		}

		flushCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if err := a.Sync.Flush(flushCtx); err != nil {
			return fmt.Errorf("pushes still running after %s", wait)
		}
		failed, err := a.Store.SessionRepo().List(ctx, store.SessionFilter{Status: store.PushFailed})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Pushed %d sessions, %d failed.\n", n-len(failed), len(failed))
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("publish-bundled", false, "Write the bundled cases to the remote catalog first")
	syncCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for session pushes")
}
