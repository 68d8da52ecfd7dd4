package cmd

import (
	"fmt"
	"strconv"

	"github.com/Kadem9/caissefacile/internal/output"
	caissesync "github.com/Kadem9/caissefacile/internal/sync"
	"github.com/Kadem9/caissefacile/internal/syncclient"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes and pull remote ones",
	Long: `Runs a sync cycle against the backend: queued mutations are pushed in
order, then every collection is pulled and merged. Without flags a full cycle
runs.`,
	Example: "  caisse sync\n  caisse sync --push\n  caisse sync --full",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		full, _ := cmd.Flags().GetBool("full")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		if full {
			if err := store.ResetPull(ctx); err != nil {
				output.Error("reset pull cursors: %v", err)
				return err
			}
		}

		client := newClient(store)
		eng := newEngine(store, client, newMonitor(client))

		var res caissesync.Result
		switch {
		case pushOnly:
			res, err = eng.Push(ctx)
		case pullOnly:
			res, err = eng.Pull(ctx)
		default:
			res, err = eng.RunOnce(ctx, caissesync.ReasonManual)
		}
		if err != nil {
			output.Error("sync: %v", err)
			return err
		}
		return printResult(res)
	},
}

// printResult reports a cycle and fails when the backend refused credentials.
func printResult(res caissesync.Result) error {
	if res.Skipped {
		output.Warning("backend unreachable at %s, changes stay queued", cfg.Sync.URL)
		return nil
	}
	if res.Pushed > 0 || len(res.Failures) > 0 {
		output.Success("PUSHED %d", res.Pushed)
	}
	if res.Deferred > 0 {
		output.Info("%d waiting for records they reference to sync first", res.Deferred)
	}
	var authErr error
	for _, f := range res.Failures {
		label := "retry"
		if f.Rejected {
			label = "rejected"
		}
		output.Warning("%s %s/%d: %v", label, f.EntityType, f.LocalID, f.Err)
		if syncclient.IsAuthError(f.Err) {
			authErr = f.Err
		}
	}
	if res.PullErr != nil {
		output.Warning("pull: %v", res.PullErr)
		if syncclient.IsAuthError(res.PullErr) {
			authErr = res.PullErr
		}
	} else if res.Pulled > 0 || res.Merge != (caissesync.MergeStats{}) {
		m := res.Merge
		output.Success("PULLED %d (+%d ~%d -%d, %d conflicts)", res.Pulled, m.Inserted, m.Updated, m.Removed, m.Conflicts)
	}
	if res.OK() && res.Pushed == 0 && res.Pulled == 0 {
		fmt.Println("Already up to date")
	}
	if authErr != nil {
		output.Error("check sync.api_key: %v", authErr)
		return authErr
	}
	return nil
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show remote versions kept aside for unsynced local edits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		conflicts, err := store.GetRecentConflicts(cmd.Context(), limit)
		if err != nil {
			output.Error("conflicts: %v", err)
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts")
			return nil
		}
		rows := make([][]string, len(conflicts))
		for i, c := range conflicts {
			rows[i] = []string{
				string(c.EntityType), strconv.FormatInt(c.LocalID, 10), output.SyncBadge(c.ServerID),
				output.FormatTimeAgo(c.RecordedAt), c.RemoteData,
			}
		}
		fmt.Print(output.Table([]string{"TYPE", "ID", "SYNC", "WHEN", "REMOTE"}, rows, output.TerminalWidth(0)))
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("push", false, "only push queued mutations")
	syncCmd.Flags().Bool("pull", false, "only pull remote changes")
	syncCmd.Flags().Bool("full", false, "reset pull cursors and re-pull everything")
	syncCmd.MarkFlagsMutuallyExclusive("push", "pull")
	syncCmd.MarkFlagsMutuallyExclusive("push", "full")

	conflictsCmd.Flags().Int("limit", 20, "maximum rows")
	conflictsCmd.Flags().Bool("json", false, "output as JSON")
	syncCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(syncCmd)
}
