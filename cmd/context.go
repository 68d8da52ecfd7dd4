package cmd

import (
	"errors"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/output"
	caissesync "github.com/Kadem9/caissefacile/internal/sync"
	"github.com/Kadem9/caissefacile/internal/syncclient"
	"github.com/Kadem9/caissefacile/internal/webhook"
)

// openStore opens the terminal store, printing the error for the user.
func openStore() (*db.DB, error) {
	store, err := db.Open(getBaseDir())
	if err != nil {
		if errors.Is(err, db.ErrNotInitialized) {
			output.Error("%v", err)
		} else {
			output.Error("open store: %v", err)
		}
		return nil, err
	}
	return store, nil
}

func openStoreQuiet() (*db.DB, error) {
	return db.Open(getBaseDir())
}

func newClient(store *db.DB) *syncclient.Client {
	c := syncclient.New(cfg.Sync.URL, cfg.Sync.APIKey, store.DeviceID())
	c.HTTP.Timeout = cfg.Sync.RequestTimeout.Std()
	return c
}

func newNotifier(store *db.DB) *webhook.Notifier {
	return webhook.New(cfg.Webhook.URL, cfg.Webhook.Secret, store.DeviceID())
}

func newMonitor(client *syncclient.Client) *caissesync.Monitor {
	return caissesync.NewMonitor(client, cfg.Sync.ProbeTimeout.Std())
}

func engineOptions() caissesync.Options {
	return caissesync.Options{
		RequestTimeout: cfg.Sync.RequestTimeout.Std(),
		PageSize:       cfg.Sync.PageSize,
		Interval:       cfg.Sync.Interval.Std(),
	}
}

// newEngine wires the sync engine from the loaded config.
func newEngine(store *db.DB, client *syncclient.Client, monitor *caissesync.Monitor) *caissesync.Engine {
	return caissesync.NewEngine(store, client, monitor, caissesync.NewResolver(store), engineOptions())
}
