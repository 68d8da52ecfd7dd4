package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Kadem9/caissefacile/internal/dateparse"
	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/output"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
)

// parseEntityType resolves a collection name, suggesting close matches for
// abbreviations like "prd" or "stk".
func parseEntityType(arg string) (models.EntityType, error) {
	kind, err := models.ParseEntityType(arg)
	if err == nil {
		return kind, nil
	}
	names := make([]string, len(models.EntityTypes))
	for i, t := range models.EntityTypes {
		names[i] = string(t)
	}
	needle := strings.ToLower(strings.ReplaceAll(arg, "-", "_"))
	if matches := fuzzy.Find(needle, names); len(matches) > 0 {
		return "", fmt.Errorf("%w (did you mean %q?)", err, matches[0].Str)
	}
	return "", fmt.Errorf("%w (valid: %s)", err, strings.Join(names, ", "))
}

func parseLocalID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// entityColumns returns the table header for kind.
func entityColumns(kind models.EntityType) []string {
	switch kind {
	case models.TypeCategory:
		return []string{"ID", "SYNC", "NAME", "COLOR"}
	case models.TypeProduct:
		return []string{"ID", "SYNC", "NAME", "PRICE", "STOCK", "CATEGORY"}
	case models.TypeMenu:
		return []string{"ID", "SYNC", "NAME", "PRICE", "ITEMS"}
	case models.TypeTransaction:
		return []string{"ID", "SYNC", "TICKET", "TOTAL", "PAYMENT", "DATE"}
	case models.TypeStockMovement:
		return []string{"ID", "SYNC", "PRODUCT", "KIND", "QTY", "REASON"}
	case models.TypeCashClosure:
		return []string{"ID", "SYNC", "CLOSED", "EXPECTED", "COUNTED", "DIFF"}
	case models.TypeUser:
		return []string{"ID", "SYNC", "NAME", "ROLE"}
	}
	return []string{"ID", "SYNC"}
}

func refCell(r models.Ref) string {
	if r.LocalID == 0 {
		return "-"
	}
	return strconv.FormatInt(r.LocalID, 10)
}

// entityRow renders e for its collection table.
func entityRow(e models.Entity) []string {
	m := e.Base()
	row := []string{strconv.FormatInt(m.LocalID, 10), output.SyncBadge(m.ServerID)}
	switch v := e.(type) {
	case *models.Category:
		row = append(row, v.Name, v.Color)
	case *models.Product:
		row = append(row, v.Name, output.FormatCents(v.PriceCents), output.StockBadge(v.StockQuantity, v.LowStock()), refCell(v.Category))
	case *models.Menu:
		row = append(row, v.Name, output.FormatCents(v.PriceCents), strconv.Itoa(len(v.Items)))
	case *models.Transaction:
		row = append(row, v.TicketNumber, output.FormatCents(v.TotalCents), string(v.PaymentMethod), v.CreatedAt.Local().Format("2006-01-02 15:04"))
	case *models.StockMovement:
		row = append(row, refCell(v.Product), string(v.Movement), strconv.FormatInt(v.Quantity, 10), v.Reason)
	case *models.CashClosure:
		row = append(row, v.ClosedAt.Local().Format("2006-01-02 15:04"), output.FormatCents(v.ExpectedCashCents),
			output.FormatCents(v.CountedCashCents), output.FormatCents(v.DifferenceCents))
	case *models.User:
		row = append(row, v.Name, string(v.Role))
	}
	return row
}

var listCmd = &cobra.Command{
	Use:     "list <type>",
	Aliases: []string{"ls"},
	Short:   "List active records of a collection",
	Example: "  caisse list products\n  caisse ls transactions --since today\n  caisse ls stock-movement --json",
	GroupID: "catalog",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseEntityType(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context(), kind)
		if err != nil {
			output.Error("list %s: %v", kind, err)
			return err
		}
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			from, err := dateparse.ParseSinceFrom(since, store.Now().Local())
			if err != nil {
				output.Error("--since: %v", err)
				return err
			}
			records = filterSince(records, from)
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			if records == nil {
				records = []models.Entity{}
			}
			return output.JSON(records)
		}
		if len(records) == 0 {
			fmt.Printf("No %s\n", kind)
			return nil
		}
		rows := make([][]string, len(records))
		for i, e := range records {
			rows[i] = entityRow(e)
		}
		fmt.Print(output.Table(entityColumns(kind), rows, output.TerminalWidth(0)))
		return nil
	},
}

// recordTime is the business timestamp of e: the sale or closure time where
// there is one, the last change otherwise.
func recordTime(e models.Entity) time.Time {
	switch v := e.(type) {
	case *models.Transaction:
		return v.CreatedAt
	case *models.CashClosure:
		return v.ClosedAt
	}
	return e.Base().UpdatedAt
}

func filterSince(records []models.Entity, from time.Time) []models.Entity {
	kept := records[:0]
	for _, e := range records {
		if !recordTime(e).Before(from) {
			kept = append(kept, e)
		}
	}
	return kept
}

var showCmd = &cobra.Command{
	Use:     "show <type> <id>",
	Short:   "Print one record as JSON",
	GroupID: "catalog",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseEntityType(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		id, err := parseLocalID(args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		e, err := store.Get(cmd.Context(), kind, id)
		if err != nil {
			output.Error("%s %d: %v", kind, id, err)
			return err
		}
		return output.JSON(e)
	},
}

var removeCmd = &cobra.Command{
	Use:         "remove <type> <id>",
	Aliases:     []string{"rm"},
	Short:       "Remove a record",
	GroupID:     "catalog",
	Args:        cobra.ExactArgs(2),
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseEntityType(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		id, err := parseLocalID(args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Remove(cmd.Context(), kind, id); err != nil {
			output.Error("remove %s %d: %v", kind, id, err)
			return err
		}
		output.Success("REMOVED %s %d", kind, id)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <type> <id> field=value...",
	Short: "Change fields of a record",
	Long: `Sets top-level fields by their JSON name. Values that parse as JSON
(numbers, true/false) are stored as such, anything else as text. Ref fields
such as category or user take the local id of the target.`,
	Example:     "  caisse update product 3 price_cents=250 stock_quantity=40\n  caisse update product 3 category=2",
	GroupID:     "catalog",
	Args:        cobra.MinimumNArgs(3),
	Annotations: mutates(),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseEntityType(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		id, err := parseLocalID(args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		cur, err := store.Get(ctx, kind, id)
		if err != nil {
			output.Error("%s %d: %v", kind, id, err)
			return err
		}
		next, err := applyFields(cur, args[2:])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := checkRefs(ctx, store, next); err != nil {
			output.Error("%v", err)
			return err
		}
		if err := store.Update(ctx, next); err != nil {
			output.Error("update %s %d: %v", kind, id, err)
			return err
		}
		output.Success("UPDATED %s %d", kind, id)
		return nil
	},
}

// identityFields are managed by the store and the sync engine.
var identityFields = map[string]bool{"local_id": true, "server_id": true, "is_active": true, "updated_at": true}

// refFields types the top-level refs that may still be unset.
var refFields = map[string]models.EntityType{
	"category": models.TypeCategory,
	"product":  models.TypeProduct,
	"user":     models.TypeUser,
}

func isRefField(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return false
	}
	_, ok := obj["type"]
	return ok
}

func isJSONString(raw json.RawMessage) bool {
	var s string
	return json.Unmarshal(raw, &s) == nil
}

// applyFields returns a copy of e with the field=value assignments applied.
func applyFields(e models.Entity, assignments []string) (models.Entity, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	for _, a := range assignments {
		key, val, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected field=value, got %q", a)
		}
		if identityFields[key] {
			return nil, fmt.Errorf("%s cannot be set by hand", key)
		}
		cur, known := fields[key]
		if !known {
			// Empty optional fields are omitted from the JSON; they are all text.
			fields[key], _ = json.Marshal(val)
			continue
		}

		var ref models.Ref
		if json.Unmarshal(cur, &ref) == nil && isRefField(cur) {
			if ref.Type == "" {
				ref.Type = refFields[key]
			}
			target, err := parseLocalID(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			fields[key], _ = json.Marshal(models.Ref{Type: ref.Type, LocalID: target})
			continue
		}

		var probe any
		if !isJSONString(cur) && json.Unmarshal([]byte(val), &probe) == nil {
			switch probe.(type) {
			case float64, bool:
				fields[key] = json.RawMessage(val)
				continue
			}
		}
		fields[key], _ = json.Marshal(val)
	}

	raw, err = json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	next, err := models.New(e.Kind())
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next); err != nil {
		return nil, fmt.Errorf("%s: %w", e.Kind(), err)
	}
	*next.Base() = *e.Base()
	return next, nil
}

// checkRefs verifies that every local ref of e points at an active record.
func checkRefs(ctx context.Context, store *db.DB, e models.Entity) error {
	for _, r := range models.RefsOf(e) {
		if r.LocalID == 0 {
			continue
		}
		if _, err := store.Get(ctx, r.Type, r.LocalID); err != nil {
			return fmt.Errorf("%s %d: %w", r.Type, r.LocalID, err)
		}
	}
	return nil
}

// parseCents reads a euro amount ("2.50", "2,50", "3") as cents.
func parseCents(s string) (int64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "€"))
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole+frac == "" || !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than 2 decimals", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func userRef(id int64) models.Ref {
	if id == 0 {
		return models.Ref{}
	}
	return models.Ref{Type: models.TypeUser, LocalID: id}
}

func init() {
	rootCmd.AddCommand(listCmd, showCmd, removeCmd, updateCmd)
	listCmd.Flags().Bool("json", false, "output as JSON")
	listCmd.Flags().String("since", "", "only records from this day on (today, -7d, monday, 2026-03-01)")
}
