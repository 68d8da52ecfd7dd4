package cmd

import (
	"context"
	"fmt"

	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/output"
	caisseversion "github.com/Kadem9/caissefacile/internal/version"
	"github.com/spf13/cobra"
)

type statusReport struct {
	DeviceID  string                      `json:"device_id"`
	Backend   string                      `json:"backend"`
	Online    bool                        `json:"online"`
	Version   string                      `json:"backend_version,omitempty"`
	Pending   int64                       `json:"pending"`
	LastPull  string                      `json:"last_successful_pull,omitempty"`
	Cursors   map[models.EntityType]int64 `json:"cursors"`
	Records   map[models.EntityType]int64 `json:"records"`
	LowStock  int                         `json:"low_stock"`
	AutoSync  bool                        `json:"auto_sync"`
	Conflicts int                         `json:"recent_conflicts"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show connectivity, queue and pull progress",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		ctx := cmd.Context()

		state, err := store.GetSyncState(ctx)
		if err != nil {
			output.Error("sync state: %v", err)
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Sync.ProbeTimeout.Std())
		health, probeErr := newClient(store).HealthCheck(probeCtx)
		cancel()
		rep := statusReport{
			DeviceID: state.DeviceID,
			Backend:  cfg.Sync.URL,
			Online:   probeErr == nil,
			Pending:  state.Pending,
			Cursors:  state.Cursors,
			Records:  map[models.EntityType]int64{},
			AutoSync: cfg.AutoSync(),
		}
		if health != nil {
			rep.Version = health.Version
		}
		if state.LastSuccessfulPull != nil {
			rep.LastPull = state.LastSuccessfulPull.Format("2006-01-02T15:04:05Z07:00")
		}
		for _, kind := range models.EntityTypes {
			n, err := store.CountActive(ctx, kind)
			if err != nil {
				output.Error("count %s: %v", kind, err)
				return err
			}
			rep.Records[kind] = n
		}
		low, err := lowStock(ctx, store)
		if err != nil {
			output.Error("low stock: %v", err)
			return err
		}
		rep.LowStock = len(low)
		conflicts, err := store.GetRecentConflicts(ctx, 100)
		if err != nil {
			output.Error("conflicts: %v", err)
			return err
		}
		rep.Conflicts = len(conflicts)

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(rep)
		}

		fmt.Print(output.SectionHeader("Terminal"))
		fmt.Printf("  Device:    %s\n", rep.DeviceID)
		fmt.Printf("  Backend:   %s %s\n", rep.Backend, output.OnlineBadge(rep.Online))
		if rep.Version != "" {
			fmt.Printf("  Version:   %s %s\n", rep.Version, output.Subtle("(terminal "+version+")"))
		}
		fmt.Printf("  Auto sync: %v\n", rep.AutoSync)
		if !caisseversion.Compatible(version, rep.Version) {
			output.Warning("backend %s is not compatible with terminal %s", rep.Version, version)
		}

		fmt.Print(output.SectionHeader("Sync"))
		fmt.Printf("  Pending:   %d\n", rep.Pending)
		if state.LastSuccessfulPull != nil {
			fmt.Printf("  Last pull: %s\n", output.FormatTimeAgo(*state.LastSuccessfulPull))
		} else {
			fmt.Printf("  Last pull: %s\n", output.Subtle("never"))
		}
		if rep.Conflicts > 0 {
			fmt.Printf("  Conflicts: %d %s\n", rep.Conflicts, output.Subtle("(caisse sync conflicts)"))
		}

		fmt.Print(output.SectionHeader("Records"))
		for _, kind := range models.EntityTypes {
			fmt.Printf("  %-16s %5d  %s\n", kind, rep.Records[kind], output.Subtle(fmt.Sprintf("seq %d", rep.Cursors[kind])))
		}
		if rep.LowStock > 0 {
			output.Warning("%d product(s) under their alert threshold", rep.LowStock)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
