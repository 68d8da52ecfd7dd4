package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/input"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/output"
	"github.com/Kadem9/caissefacile/internal/webhook"
	"github.com/spf13/cobra"
)

type saleLine struct {
	productID int64
	quantity  int64
}

type saleRequest struct {
	lines     []saleLine
	payment   models.PaymentMethod
	cashCents int64 // cash handed over; 0 means exact amount for cash sales
	userID    int64
}

// ticketNumber is unique per device: terminals sell concurrently offline.
func ticketNumber(store *db.DB) string {
	dev := store.DeviceID()
	if len(dev) > 6 {
		dev = dev[len(dev)-6:]
	}
	return fmt.Sprintf("T%s-%s", store.Now().Local().Format("20060102-150405"), strings.ToUpper(dev))
}

// recordSale writes the ticket, one sale movement per line and the stock
// decrements in a single batch. Products left at or under their alert
// threshold are returned.
func recordSale(ctx context.Context, store *db.DB, req saleRequest) (*models.Transaction, []*models.Product, error) {
	if len(req.lines) == 0 {
		return nil, nil, fmt.Errorf("a sale needs at least one product")
	}
	tx := &models.Transaction{
		TicketNumber:  ticketNumber(store),
		PaymentMethod: req.payment,
		User:          userRef(req.userID),
		CreatedAt:     store.Now(),
	}
	var low []*models.Product

	err := store.Batch(ctx, func(b *db.Batch) error {
		if req.userID != 0 {
			if _, err := b.Get(models.TypeUser, req.userID); err != nil {
				return fmt.Errorf("user %d: %w", req.userID, err)
			}
		}

		products := map[int64]*models.Product{}
		for _, l := range req.lines {
			p, ok := products[l.productID]
			if !ok {
				e, err := b.Get(models.TypeProduct, l.productID)
				if err != nil {
					return fmt.Errorf("product %d: %w", l.productID, err)
				}
				p = e.(*models.Product)
				products[l.productID] = p
			}
			tx.Items = append(tx.Items, models.TransactionItem{
				Product:        models.Ref{Type: models.TypeProduct, LocalID: p.LocalID},
				Name:           p.Name,
				Quantity:       l.quantity,
				UnitPriceCents: p.PriceCents,
			})
			tx.TotalCents += l.quantity * p.PriceCents
		}

		switch req.payment {
		case models.PaymentCash:
			tx.CashReceivedCents = req.cashCents
			if tx.CashReceivedCents == 0 {
				tx.CashReceivedCents = tx.TotalCents
			}
			if tx.CashReceivedCents < tx.TotalCents {
				return fmt.Errorf("cash received %s is less than the total %s",
					output.FormatCents(tx.CashReceivedCents), output.FormatCents(tx.TotalCents))
			}
			tx.ChangeCents = tx.CashReceivedCents - tx.TotalCents
		case models.PaymentMixed:
			if req.cashCents <= 0 || req.cashCents >= tx.TotalCents {
				return fmt.Errorf("a mixed payment needs a cash part between 0 and the total")
			}
			tx.CashReceivedCents = req.cashCents
		}

		if err := b.Create(tx); err != nil {
			return err
		}
		for _, l := range req.lines {
			p := products[l.productID]
			mv := &models.StockMovement{
				Product:  models.Ref{Type: models.TypeProduct, LocalID: p.LocalID},
				Movement: models.MovementSale,
				Quantity: l.quantity,
				Reason:   "ticket " + tx.TicketNumber,
				User:     tx.User,
			}
			if err := b.Create(mv); err != nil {
				return err
			}
			p.StockQuantity += mv.Delta()
		}
		written := map[int64]bool{}
		for _, l := range req.lines {
			p := products[l.productID]
			if written[p.LocalID] {
				continue
			}
			written[p.LocalID] = true
			if err := b.Update(p); err != nil {
				return err
			}
			if p.LowStock() {
				low = append(low, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return tx, low, nil
}

var saleCmd = &cobra.Command{
	Use:   "sale <product-id[:qty]>...",
	Short: "Ring up a sale",
	Long: `Records a ticket, its stock movements and the new stock levels in one
step. Works offline: the sale is queued and pushed on the next sync.`,
	Example:     "  caisse sale 3 5:2 --pay cash --cash 20\n  caisse sale 7 --pay card --user 1\n  scanner-feed | caisse sale - --pay card",
	GroupID:     "sales",
	Args:        cobra.MinimumNArgs(1),
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		args, err := input.ExpandArgs(args, os.Stdin)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		req := saleRequest{}
		for _, a := range args {
			id, qty, err := parseLine(a)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			req.lines = append(req.lines, saleLine{productID: id, quantity: qty})
		}

		pay, _ := cmd.Flags().GetString("pay")
		req.payment = models.PaymentMethod(strings.ToLower(pay))
		if cashStr, _ := cmd.Flags().GetString("cash"); cashStr != "" {
			cents, err := parseCents(cashStr)
			if err != nil {
				output.Error("--cash: %v", err)
				return err
			}
			req.cashCents = cents
		}
		req.userID, _ = cmd.Flags().GetInt64("user")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		tx, low, err := recordSale(cmd.Context(), store, req)
		if err != nil {
			output.Error("sale: %v", err)
			return err
		}

		output.Success("TICKET %s  %s (%s)", tx.TicketNumber, output.FormatCents(tx.TotalCents), tx.PaymentMethod)
		if tx.ChangeCents > 0 {
			fmt.Printf("Change due: %s\n", output.FormatCents(tx.ChangeCents))
		}
		var events []webhook.Event
		for _, p := range low {
			output.Warning("low stock: %s (%d left)", p.Name, p.StockQuantity)
			events = append(events, lowStockEvent(p))
		}
		newNotifier(store).NotifyLogged(cmd.Context(), events...)
		return nil
	},
}

func init() {
	saleCmd.Flags().String("pay", string(models.PaymentCash), "payment method: cash, card or mixed")
	saleCmd.Flags().String("cash", "", "cash handed over in euros (cash part for mixed payments)")
	saleCmd.Flags().Int64("user", 0, "operator id")
	rootCmd.AddCommand(saleCmd)
}
