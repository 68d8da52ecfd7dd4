package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/output"
	"github.com/Kadem9/caissefacile/internal/webhook"
	"github.com/spf13/cobra"
)

// applyMovement records mv and adjusts its product's stock in one batch.
func applyMovement(ctx context.Context, store *db.DB, mv *models.StockMovement) (*models.Product, error) {
	var product *models.Product
	err := store.Batch(ctx, func(b *db.Batch) error {
		e, err := b.Get(models.TypeProduct, mv.Product.LocalID)
		if err != nil {
			return fmt.Errorf("product %d: %w", mv.Product.LocalID, err)
		}
		if mv.User.LocalID != 0 {
			if _, err := b.Get(models.TypeUser, mv.User.LocalID); err != nil {
				return fmt.Errorf("user %d: %w", mv.User.LocalID, err)
			}
		}
		if err := b.Create(mv); err != nil {
			return err
		}
		product = e.(*models.Product)
		product.StockQuantity += mv.Delta()
		return b.Update(product)
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}

var stockCmd = &cobra.Command{
	Use:     "stock",
	Short:   "Stock movements and alerts",
	GroupID: "sales",
}

var stockMoveCmd = &cobra.Command{
	Use:   "move <product-id> <in|out|loss|adjustment> <qty>",
	Short: "Record a stock movement",
	Long: `Adds a movement and updates the product's stock level. Adjustments are
signed; pass negative values after "--".`,
	Example:     "  caisse stock move 3 in 24 --reason livraison\n  caisse stock move 3 adjustment -- -2",
	Args:        cobra.ExactArgs(3),
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseLocalID(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		qty, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			output.Error("invalid quantity %q", args[2])
			return err
		}
		mv := &models.StockMovement{
			Product:  models.Ref{Type: models.TypeProduct, LocalID: id},
			Movement: models.MovementKind(strings.ToLower(args[1])),
			Quantity: qty,
		}
		mv.Reason, _ = cmd.Flags().GetString("reason")
		uid, _ := cmd.Flags().GetInt64("user")
		mv.User = userRef(uid)
		if mv.Movement == models.MovementSale {
			err := fmt.Errorf("sale movements are recorded by 'caisse sale'")
			output.Error("%v", err)
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := applyMovement(cmd.Context(), store, mv)
		if err != nil {
			output.Error("stock move: %v", err)
			return err
		}
		output.Success("%s: %+d → %d", p.Name, mv.Delta(), p.StockQuantity)
		if p.LowStock() {
			output.Warning("low stock: %s (%d left, alert at %d)", p.Name, p.StockQuantity, p.AlertThreshold)
			newNotifier(store).NotifyLogged(cmd.Context(), lowStockEvent(p))
		}
		return nil
	},
}

func lowStockEvent(p *models.Product) webhook.Event {
	return webhook.Event{Type: webhook.EventLowStock, Data: map[string]any{
		"local_id":        p.LocalID,
		"server_id":       p.ServerID,
		"name":            p.Name,
		"stock_quantity":  p.StockQuantity,
		"alert_threshold": p.AlertThreshold,
	}}
}

// lowStock returns products at or under their alert threshold, emptiest first.
func lowStock(ctx context.Context, store *db.DB) ([]*models.Product, error) {
	products, err := db.ListOf[*models.Product](ctx, store, models.TypeProduct)
	if err != nil {
		return nil, err
	}
	var low []*models.Product
	for _, p := range products {
		if p.LowStock() {
			low = append(low, p)
		}
	}
	sort.SliceStable(low, func(i, j int) bool { return low[i].StockQuantity < low[j].StockQuantity })
	return low, nil
}

var stockLowCmd = &cobra.Command{
	Use:   "low",
	Short: "List products under their alert threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		low, err := lowStock(cmd.Context(), store)
		if err != nil {
			output.Error("low stock: %v", err)
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			if low == nil {
				low = []*models.Product{}
			}
			return output.JSON(low)
		}
		if len(low) == 0 {
			fmt.Println("No product under its alert threshold")
			return nil
		}
		rows := make([][]string, len(low))
		for i, p := range low {
			rows[i] = []string{
				strconv.FormatInt(p.LocalID, 10), p.Name,
				output.StockBadge(p.StockQuantity, true), strconv.FormatInt(p.AlertThreshold, 10),
			}
		}
		fmt.Print(output.Table([]string{"ID", "NAME", "STOCK", "ALERT"}, rows, output.TerminalWidth(0)))
		return nil
	},
}

func init() {
	stockMoveCmd.Flags().String("reason", "", "free-text reason")
	stockMoveCmd.Flags().Int64("user", 0, "operator id")
	stockLowCmd.Flags().Bool("json", false, "output as JSON")
	stockCmd.AddCommand(stockMoveCmd, stockLowCmd)
	rootCmd.AddCommand(stockCmd)
}
