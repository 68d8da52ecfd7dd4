package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/output"
	"github.com/spf13/cobra"
)

// createWithRefs checks refs and creates e in one batch.
func createWithRefs(cmd *cobra.Command, e models.Entity) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.Batch(cmd.Context(), func(b *db.Batch) error {
		for _, r := range models.RefsOf(e) {
			if r.LocalID == 0 {
				continue
			}
			if _, err := b.Get(r.Type, r.LocalID); err != nil {
				return fmt.Errorf("%s %d: %w", r.Type, r.LocalID, err)
			}
		}
		return b.Create(e)
	})
	if err != nil {
		output.Error("create %s: %v", e.Kind(), err)
		return err
	}
	output.Success("CREATED %s %d", e.Kind(), e.Base().LocalID)
	return nil
}

var categoryCmd = &cobra.Command{
	Use:     "category",
	Aliases: []string{"cat"},
	Short:   "Manage categories",
	GroupID: "catalog",
}

var categoryAddCmd = &cobra.Command{
	Use:         "add <name>",
	Short:       "Create a category",
	Args:        cobra.ExactArgs(1),
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := &models.Category{Name: args[0]}
		c.Color, _ = cmd.Flags().GetString("color")
		c.SortOrder, _ = cmd.Flags().GetInt("order")
		return createWithRefs(cmd, c)
	},
}

var productCmd = &cobra.Command{
	Use:     "product",
	Aliases: []string{"prod"},
	Short:   "Manage products",
	GroupID: "catalog",
}

var productAddCmd = &cobra.Command{
	Use:         "add <name>",
	Short:       "Create a product",
	Example:     "  caisse product add \"Coca 33cl\" --price 2,50 --category 1 --stock 48 --alert 6",
	Args:        cobra.ExactArgs(1),
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		priceStr, _ := cmd.Flags().GetString("price")
		price, err := parseCents(priceStr)
		if err != nil {
			output.Error("--price: %v", err)
			return err
		}
		p := &models.Product{Name: args[0], PriceCents: price}
		if cat, _ := cmd.Flags().GetInt64("category"); cat != 0 {
			p.Category = models.Ref{Type: models.TypeCategory, LocalID: cat}
		}
		p.VATRate, _ = cmd.Flags().GetFloat64("vat")
		p.Barcode, _ = cmd.Flags().GetString("barcode")
		p.StockQuantity, _ = cmd.Flags().GetInt64("stock")
		p.AlertThreshold, _ = cmd.Flags().GetInt64("alert")
		return createWithRefs(cmd, p)
	},
}

var menuCmd = &cobra.Command{
	Use:     "menu",
	Short:   "Manage menus",
	GroupID: "catalog",
}

var menuAddCmd = &cobra.Command{
	Use:         "add <name>",
	Short:       "Create a menu from products",
	Example:     "  caisse menu add \"Formule midi\" --price 8,90 --item 3 --item 5:2",
	Args:        cobra.ExactArgs(1),
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		priceStr, _ := cmd.Flags().GetString("price")
		price, err := parseCents(priceStr)
		if err != nil {
			output.Error("--price: %v", err)
			return err
		}
		m := &models.Menu{Name: args[0], PriceCents: price}
		items, _ := cmd.Flags().GetStringSlice("item")
		for _, s := range items {
			id, qty, err := parseLine(s)
			if err != nil {
				output.Error("--item: %v", err)
				return err
			}
			m.Items = append(m.Items, models.MenuItem{
				Product:  models.Ref{Type: models.TypeProduct, LocalID: id},
				Quantity: qty,
			})
		}
		return createWithRefs(cmd, m)
	},
}

var userCmd = &cobra.Command{
	Use:     "user",
	Short:   "Manage terminal operators",
	GroupID: "catalog",
}

var userAddCmd = &cobra.Command{
	Use:         "add <name>",
	Short:       "Create an operator",
	Args:        cobra.ExactArgs(1),
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := &models.User{Name: args[0]}
		role, _ := cmd.Flags().GetString("role")
		u.Role = models.Role(strings.ToLower(role))
		u.Email, _ = cmd.Flags().GetString("email")
		return createWithRefs(cmd, u)
	},
}

// parseLine reads "ID" or "ID:QTY".
func parseLine(s string) (int64, int64, error) {
	idStr, qtyStr, hasQty := strings.Cut(s, ":")
	id, err := parseLocalID(idStr)
	if err != nil {
		return 0, 0, err
	}
	if !hasQty {
		return id, 1, nil
	}
	qty, err := strconv.ParseInt(qtyStr, 10, 64)
	if err != nil || qty <= 0 {
		return 0, 0, fmt.Errorf("invalid quantity in %q", s)
	}
	return id, qty, nil
}

func init() {
	categoryAddCmd.Flags().String("color", "", "display color (e.g. #ff8800)")
	categoryAddCmd.Flags().Int("order", 0, "sort order on the register screen")
	categoryCmd.AddCommand(categoryAddCmd)

	productAddCmd.Flags().String("price", "", "unit price in euros (required)")
	productAddCmd.Flags().Int64("category", 0, "category id")
	productAddCmd.Flags().Float64("vat", 20, "VAT rate in percent")
	productAddCmd.Flags().String("barcode", "", "EAN barcode")
	productAddCmd.Flags().Int64("stock", 0, "initial stock quantity")
	productAddCmd.Flags().Int64("alert", 0, "low stock threshold (0 disables)")
	productAddCmd.MarkFlagRequired("price")
	productCmd.AddCommand(productAddCmd)

	menuAddCmd.Flags().String("price", "", "menu price in euros (required)")
	menuAddCmd.Flags().StringSlice("item", nil, "product id, optionally ID:QTY (repeatable)")
	menuAddCmd.MarkFlagRequired("price")
	menuCmd.AddCommand(menuAddCmd)

	userAddCmd.Flags().String("role", string(models.RoleCashier), "admin, manager or cashier")
	userAddCmd.Flags().String("email", "", "contact email")
	userCmd.AddCommand(userAddCmd)

	rootCmd.AddCommand(categoryCmd, productCmd, menuCmd, userCmd)
}
