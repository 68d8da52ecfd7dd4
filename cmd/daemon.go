package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kadem9/caissefacile/internal/output"
	caissesync "github.com/Kadem9/caissefacile/internal/sync"
	"github.com/Kadem9/caissefacile/internal/webhook"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep the terminal in sync in the background",
	Long: `Probes the backend every sync.probe_interval and runs a sync cycle every
sync.interval, on reconnect, and at startup. Stops on SIGINT or SIGTERM.`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := newClient(store)
		monitor := newMonitor(client)
		monitor.OnChange(func(online bool) {
			slog.Info("daemon: connectivity changed", "online", online, "backend", cfg.Sync.URL)
		})
		notifier := newNotifier(store)
		opts := engineOptions()
		opts.OnResult = func(res caissesync.Result) {
			if !res.OK() && !res.Skipped {
				slog.Warn("daemon: cycle incomplete",
					"reason", res.Reason, "push_failures", len(res.Failures), "pull_err", res.PullErr)
			}
			notifier.NotifyLogged(ctx, cycleEvents(res)...)
		}
		eng := caissesync.NewEngine(store, client, monitor, caissesync.NewResolver(store), opts)

		slog.Info("daemon: started", "device", store.DeviceID(), "backend", cfg.Sync.URL,
			"interval", cfg.Sync.Interval.Std(), "probe_interval", cfg.Sync.ProbeInterval.Std())
		output.Info("syncing with %s (Ctrl+C to stop)", cfg.Sync.URL)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			monitor.Run(gctx, cfg.Sync.ProbeInterval.Std())
			return nil
		})
		g.Go(func() error {
			return eng.Run(gctx)
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		slog.Info("daemon: stopped")
		return err
	},
}

// cycleEvents turns rejected items and conflicts of a cycle into alerts.
// Transient failures are retried silently.
func cycleEvents(res caissesync.Result) []webhook.Event {
	var events []webhook.Event
	for _, f := range res.Failures {
		if !f.Rejected {
			continue
		}
		events = append(events, webhook.Event{Type: webhook.EventSyncRejected, Data: map[string]any{
			"entity_type": f.EntityType,
			"local_id":    f.LocalID,
			"error":       fmt.Sprint(f.Err),
		}})
	}
	if res.Merge.Conflicts > 0 {
		events = append(events, webhook.Event{Type: webhook.EventSyncConflict, Data: map[string]any{
			"conflicts": res.Merge.Conflicts,
		}})
	}
	return events
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
