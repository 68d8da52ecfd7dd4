package cmd

import (
	"fmt"
	"strconv"

	"github.com/Kadem9/caissefacile/internal/output"
	"github.com/spf13/cobra"
)

type queueEntry struct {
	ID         int64  `json:"id"`
	MutationID string `json:"mutation_id"`
	EntityType string `json:"entity_type"`
	LocalID    int64  `json:"local_id"`
	Op         string `json:"op"`
	EnqueuedAt string `json:"enqueued_at"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "List mutations waiting to be pushed",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.Pending(cmd.Context())
		if err != nil {
			output.Error("queue: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			entries := make([]queueEntry, len(items))
			for i, it := range items {
				entries[i] = queueEntry{
					ID: it.ID, MutationID: it.MutationID, EntityType: string(it.EntityType),
					LocalID: it.LocalID, Op: string(it.Op), EnqueuedAt: it.EnqueuedAt.Format("2006-01-02T15:04:05Z07:00"),
					Attempts: it.Attempts, LastError: it.LastError,
				}
			}
			return output.JSON(entries)
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}
		rows := make([][]string, len(items))
		for i, it := range items {
			rows[i] = []string{
				strconv.FormatInt(it.ID, 10), string(it.Op), string(it.EntityType),
				strconv.FormatInt(it.LocalID, 10), output.FormatTimeAgo(it.EnqueuedAt),
				strconv.Itoa(it.Attempts), it.LastError,
			}
		}
		fmt.Print(output.Table([]string{"#", "OP", "TYPE", "ID", "QUEUED", "TRIES", "LAST ERROR"}, rows, output.TerminalWidth(0)))
		fmt.Println(output.Subtle(fmt.Sprintf("%d pending", len(items))))
		return nil
	},
}

func init() {
	queueCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(queueCmd)
}
