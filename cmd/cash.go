package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/output"
	"github.com/Kadem9/caissefacile/internal/webhook"
	"github.com/spf13/cobra"
)

// paymentTotals splits a shift's takings by payment method.
type paymentTotals struct {
	Cash  int64
	Card  int64
	Mixed int64
}

// computeClosure builds the drawer reconciliation for the shift that
// started at the previous closure (or the first sale) and ends at now.
func computeClosure(ctx context.Context, store *db.DB, fund, counted int64, now time.Time) (*models.CashClosure, paymentTotals, error) {
	var totals paymentTotals

	closures, err := db.ListOf[*models.CashClosure](ctx, store, models.TypeCashClosure)
	if err != nil {
		return nil, totals, err
	}
	var opened time.Time
	for _, c := range closures {
		if c.ClosedAt.After(opened) {
			opened = c.ClosedAt
		}
	}

	sales, err := db.ListOf[*models.Transaction](ctx, store, models.TypeTransaction)
	if err != nil {
		return nil, totals, err
	}

	c := &models.CashClosure{InitialFundCents: fund, ExpectedCashCents: fund, CountedCashCents: counted, ClosedAt: now}
	first := now
	for _, t := range sales {
		if !t.CreatedAt.After(opened) || t.CreatedAt.After(now) {
			continue
		}
		if t.CreatedAt.Before(first) {
			first = t.CreatedAt
		}
		c.TotalSalesCents += t.TotalCents
		c.TransactionCount++
		switch t.PaymentMethod {
		case models.PaymentCash:
			totals.Cash += t.TotalCents
			c.ExpectedCashCents += t.CashReceivedCents - t.ChangeCents
		case models.PaymentCard:
			totals.Card += t.TotalCents
		case models.PaymentMixed:
			totals.Mixed += t.TotalCents
			c.ExpectedCashCents += t.CashReceivedCents
		}
	}
	if opened.IsZero() {
		opened = first
	}
	c.OpenedAt = opened
	c.DifferenceCents = c.CountedCashCents - c.ExpectedCashCents
	return c, totals, nil
}

// closureReport renders c as markdown.
func closureReport(c *models.CashClosure, totals paymentTotals, final bool) string {
	var sb strings.Builder
	title := "Cash report"
	if final {
		title = "Cash closure"
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "%s → %s\n\n", c.OpenedAt.Local().Format("02/01/2006 15:04"), c.ClosedAt.Local().Format("02/01/2006 15:04"))
	sb.WriteString("| | |\n|---|---:|\n")
	fmt.Fprintf(&sb, "| Tickets | %d |\n", c.TransactionCount)
	fmt.Fprintf(&sb, "| Total sales | %s |\n", output.FormatCents(c.TotalSalesCents))
	fmt.Fprintf(&sb, "| Cash | %s |\n", output.FormatCents(totals.Cash))
	fmt.Fprintf(&sb, "| Card | %s |\n", output.FormatCents(totals.Card))
	fmt.Fprintf(&sb, "| Mixed | %s |\n", output.FormatCents(totals.Mixed))
	fmt.Fprintf(&sb, "| Initial fund | %s |\n", output.FormatCents(c.InitialFundCents))
	fmt.Fprintf(&sb, "| Expected cash | %s |\n", output.FormatCents(c.ExpectedCashCents))
	if final {
		fmt.Fprintf(&sb, "| Counted cash | %s |\n", output.FormatCents(c.CountedCashCents))
		fmt.Fprintf(&sb, "| **Difference** | **%s** |\n", output.FormatCents(c.DifferenceCents))
	}
	if c.Notes != "" {
		fmt.Fprintf(&sb, "\n> %s\n", c.Notes)
	}
	return sb.String()
}

func printReport(md string) error {
	return output.WriteReport(os.Stdout, md)
}

var cashCmd = &cobra.Command{
	Use:     "cash",
	Short:   "Cash drawer reports and closures",
	GroupID: "sales",
}

var cashReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show takings since the last closure",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fund, err := centsFlag(cmd, "fund")
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		c, totals, err := computeClosure(cmd.Context(), store, fund, 0, store.Now())
		if err != nil {
			output.Error("cash report: %v", err)
			return err
		}
		return printReport(closureReport(c, totals, false))
	},
}

var cashCloseCmd = &cobra.Command{
	Use:         "close",
	Short:       "Count the drawer and close the shift",
	Example:     "  caisse cash close --fund 150 --counted 412,30 --user 1",
	Args:        cobra.NoArgs,
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		fund, err := centsFlag(cmd, "fund")
		if err != nil {
			return err
		}
		counted, err := centsFlag(cmd, "counted")
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		c, totals, err := computeClosure(ctx, store, fund, counted, store.Now())
		if err != nil {
			output.Error("cash close: %v", err)
			return err
		}
		uid, _ := cmd.Flags().GetInt64("user")
		c.User = userRef(uid)
		c.Notes, _ = cmd.Flags().GetString("notes")

		if err := createWithRefs(cmd, c); err != nil {
			return err
		}
		newNotifier(store).NotifyLogged(ctx, webhook.Event{Type: webhook.EventCashClosed, Data: c})
		if err := printReport(closureReport(c, totals, true)); err != nil {
			return err
		}
		if c.DifferenceCents != 0 {
			output.Warning("drawer is off by %s", output.FormatCents(c.DifferenceCents))
		}
		return nil
	},
}

func centsFlag(cmd *cobra.Command, name string) (int64, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return 0, nil
	}
	cents, err := parseCents(v)
	if err != nil {
		output.Error("--%s: %v", name, err)
		return 0, err
	}
	return cents, nil
}

func init() {
	cashReportCmd.Flags().String("fund", "", "initial float in euros")
	cashCloseCmd.Flags().String("fund", "", "initial float in euros")
	cashCloseCmd.Flags().String("counted", "", "cash counted in the drawer, in euros (required)")
	cashCloseCmd.Flags().Int64("user", 0, "operator id")
	cashCloseCmd.Flags().String("notes", "", "free-text notes")
	cashCloseCmd.MarkFlagRequired("counted")
	cashCmd.AddCommand(cashReportCmd, cashCloseCmd)
	rootCmd.AddCommand(cashCmd)
}
