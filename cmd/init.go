package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kadem9/caissefacile/internal/config"
	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/output"
	caisseversion "github.com/Kadem9/caissefacile/internal/version"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up this terminal",
	Long: `Creates .caisse/ with the local store and a device id. Running it again
keeps the existing store and only updates the backend settings given.`,
	Example: "  caisse init --url https://sync.example.com --api-key cs_live_... --check",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := getBaseDir()
		store, err := db.Open(dir)
		fresh := errors.Is(err, db.ErrNotInitialized)
		if fresh {
			store, err = db.Initialize(dir)
		}
		if err != nil {
			output.Error("open store: %v", err)
			return err
		}
		defer store.Close()

		if err := saveBackendFlags(cmd, dir); err != nil {
			output.Error("save config: %v", err)
			return err
		}

		if fresh {
			output.Success("initialized .caisse/")
		} else {
			output.Warning(".caisse/ already exists, store kept")
		}
		fmt.Printf("Device:  %s\n", store.DeviceID())
		fmt.Printf("Backend: %s\n", cfg.Sync.URL)

		if check, _ := cmd.Flags().GetBool("check"); check {
			return checkBackend(cmd.Context(), store)
		}
		return nil
	},
}

// saveBackendFlags persists --url and --api-key and refreshes the loaded
// config so the rest of the command sees them.
func saveBackendFlags(cmd *cobra.Command, dir string) error {
	url, _ := cmd.Flags().GetString("url")
	key, _ := cmd.Flags().GetString("api-key")
	if url == "" && key == "" {
		return nil
	}
	err := config.Update(dir, func(c *config.Config) error {
		if url != "" {
			c.Sync.URL = url
		}
		if key != "" {
			c.Sync.APIKey = key
		}
		return nil
	})
	if err != nil {
		return err
	}
	loaded, err := config.Load(dir)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// checkBackend probes the backend once and compares release lines.
func checkBackend(ctx context.Context, store *db.DB) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.ProbeTimeout.Std())
	defer cancel()
	health, err := newClient(store).HealthCheck(ctx)
	if err != nil {
		output.Warning("backend unreachable: %v (sales are queued until it answers)", err)
		return nil
	}
	if !caisseversion.Compatible(version, health.Version) {
		err := fmt.Errorf("backend %s is not compatible with terminal %s", health.Version, version)
		output.Error("%v", err)
		return err
	}
	fmt.Printf("Backend %s %s\n", output.OnlineBadge(true), output.Subtle(health.Version))
	return nil
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("url", "", "caisse-sync backend URL")
	initCmd.Flags().String("api-key", "", "API key issued by caisse-sync")
	initCmd.Flags().Bool("check", false, "probe the backend after saving")
}
