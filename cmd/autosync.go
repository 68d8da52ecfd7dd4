package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Kadem9/caissefacile/internal/db"
	caissesync "github.com/Kadem9/caissefacile/internal/sync"
)

// autoSyncAfterMutation runs one sync cycle after a mutating command, bounded
// by sync.auto_timeout. Errors are logged, not returned: the mutation is
// already safe in the queue.
func autoSyncAfterMutation(ctx context.Context) {
	if cfg == nil || !cfg.AutoSync() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openStoreQuiet()
	if err != nil {
		slog.Debug("autosync: open store", "err", err)
		return
	}
	defer store.Close()

	pending, err := store.CountPending(ctx)
	if err != nil || pending == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.AutoTimeout.Std())
	defer cancel()

	client := newClient(store)
	opts := engineOptions()
	opts.SkipWhenBusy = true
	eng := caissesync.NewEngine(store, client, newMonitor(client), caissesync.NewResolver(store), opts)
	res, err := eng.RunOnce(ctx, caissesync.ReasonMutation)
	switch {
	case errors.Is(err, db.ErrSyncBusy):
		slog.Debug("autosync: skipped, another process is syncing", "pending", pending)
	case err != nil:
		slog.Debug("autosync", "err", err)
	case res.Skipped:
		slog.Debug("autosync: offline", "pending", pending)
	default:
		slog.Debug("autosync: done", "pushed", res.Pushed, "failures", len(res.Failures))
	}
}
