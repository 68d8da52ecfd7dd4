package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType names a synchronized collection
type EntityType string

const (
	TypeCategory      EntityType = "categories"
	TypeProduct       EntityType = "products"
	TypeMenu          EntityType = "menus"
	TypeTransaction   EntityType = "transactions"
	TypeStockMovement EntityType = "stock_movements"
	TypeCashClosure   EntityType = "cash_closures"
	TypeUser          EntityType = "users"
)

// EntityTypes lists every collection in dependency order: referenced
// collections come before the collections that reference them.
var EntityTypes = []EntityType{
	TypeUser,
	TypeCategory,
	TypeProduct,
	TypeMenu,
	TypeTransaction,
	TypeStockMovement,
	TypeCashClosure,
}

// ErrUnknownEntityType is returned when a type name matches no collection.
var ErrUnknownEntityType = errors.New("unknown entity type")

// ParseEntityType accepts canonical names and their singular forms
// ("product", "products", "stock-movement").
func ParseEntityType(s string) (EntityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	for _, t := range EntityTypes {
		if s == string(t) || s+"s" == string(t) || s+"es" == string(t) {
			return t, nil
		}
	}
	if s == "category" {
		return TypeCategory, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
}

// IsValidEntityType checks if a type is a known collection
func IsValidEntityType(t EntityType) bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Op is the kind of change a queued mutation carries
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Meta holds the identity and arbitration fields shared by every entity.
type Meta struct {
	LocalID   int64     `json:"local_id"`
	ServerID  *int64    `json:"server_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Base returns the entity's meta block.
func (m *Meta) Base() *Meta { return m }

// Synced reports whether the backend has acknowledged the entity.
func (m *Meta) Synced() bool { return m.ServerID != nil }

// Entity is the tagged variant every synchronized record implements.
// Kind is the tag; the concrete type is the strongly typed payload.
type Entity interface {
	Kind() EntityType
	Base() *Meta
	Validate() error
}

// Ref points at another entity. LocalID is meaningful only on the replica
// that wrote it; ServerID is filled once the target is synced.
type Ref struct {
	Type     EntityType `json:"type"`
	LocalID  int64      `json:"local_id,omitempty"`
	ServerID *int64     `json:"server_id,omitempty"`
}

// IsZero reports whether the ref points nowhere.
func (r Ref) IsZero() bool { return r.LocalID == 0 && r.ServerID == nil }

// Referrer is implemented by entities holding refs to other entities.
type Referrer interface {
	Refs() []*Ref
}

// Category groups products on the register screen
type Category struct {
	Meta
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	SortOrder int    `json:"sort_order"`
}

func (c *Category) Kind() EntityType { return TypeCategory }

func (c *Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("category name is required")
	}
	return nil
}

// Product is a sellable catalog item
type Product struct {
	Meta
	Name           string  `json:"name"`
	Category       Ref     `json:"category"`
	PriceCents     int64   `json:"price_cents"`
	VATRate        float64 `json:"vat_rate"`
	Barcode        string  `json:"barcode,omitempty"`
	StockQuantity  int64   `json:"stock_quantity"`
	AlertThreshold int64   `json:"alert_threshold"`
}

func (p *Product) Kind() EntityType { return TypeProduct }

func (p *Product) Refs() []*Ref { return []*Ref{&p.Category} }

func (p *Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("product name is required")
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("product price must not be negative, got %d", p.PriceCents)
	}
	if p.VATRate < 0 || p.VATRate > 100 {
		return fmt.Errorf("vat rate out of range: %v", p.VATRate)
	}
	return nil
}

// LowStock reports whether the product hit its alert threshold.
func (p *Product) LowStock() bool {
	return p.AlertThreshold > 0 && p.StockQuantity <= p.AlertThreshold
}

// MenuItem is one product slot within a menu
type MenuItem struct {
	Product  Ref   `json:"product"`
	Quantity int64 `json:"quantity"`
}

// Menu bundles several products at a fixed price
type Menu struct {
	Meta
	Name       string     `json:"name"`
	PriceCents int64      `json:"price_cents"`
	Items      []MenuItem `json:"items"`
}

func (m *Menu) Kind() EntityType { return TypeMenu }

func (m *Menu) Refs() []*Ref {
	refs := make([]*Ref, 0, len(m.Items))
	for i := range m.Items {
		refs = append(refs, &m.Items[i].Product)
	}
	return refs
}

func (m *Menu) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("menu name is required")
	}
	if m.PriceCents < 0 {
		return fmt.Errorf("menu price must not be negative, got %d", m.PriceCents)
	}
	return nil
}

// PaymentMethod is how a sale was settled
type PaymentMethod string

const (
	PaymentCash  PaymentMethod = "cash"
	PaymentCard  PaymentMethod = "card"
	PaymentMixed PaymentMethod = "mixed"
)

// TransactionItem is one ticket line
type TransactionItem struct {
	Product        Ref    `json:"product"`
	Name           string `json:"name"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// TotalCents returns quantity × unit price.
func (i TransactionItem) TotalCents() int64 { return i.Quantity * i.UnitPriceCents }

// Transaction is a completed sale
type Transaction struct {
	Meta
	TicketNumber      string            `json:"ticket_number"`
	Items             []TransactionItem `json:"items"`
	TotalCents        int64             `json:"total_cents"`
	PaymentMethod     PaymentMethod     `json:"payment_method"`
	CashReceivedCents int64             `json:"cash_received_cents,omitempty"`
	ChangeCents       int64             `json:"change_cents,omitempty"`
	User              Ref               `json:"user"`
	CreatedAt         time.Time         `json:"created_at"`
}

func (t *Transaction) Kind() EntityType { return TypeTransaction }

func (t *Transaction) Refs() []*Ref {
	refs := []*Ref{&t.User}
	for i := range t.Items {
		refs = append(refs, &t.Items[i].Product)
	}
	return refs
}

func (t *Transaction) Validate() error {
	if len(t.Items) == 0 {
		return errors.New("transaction has no items")
	}
	var sum int64
	for _, it := range t.Items {
		if it.Quantity <= 0 {
			return fmt.Errorf("item %q: quantity must be positive", it.Name)
		}
		sum += it.TotalCents()
	}
	if sum != t.TotalCents {
		return fmt.Errorf("total %d does not match items sum %d", t.TotalCents, sum)
	}
	switch t.PaymentMethod {
	case PaymentCash, PaymentCard, PaymentMixed:
	default:
		return fmt.Errorf("invalid payment method %q", t.PaymentMethod)
	}
	return nil
}

// MovementKind classifies a stock movement
type MovementKind string

const (
	MovementIn         MovementKind = "in"
	MovementOut        MovementKind = "out"
	MovementAdjustment MovementKind = "adjustment"
	MovementSale       MovementKind = "sale"
	MovementLoss       MovementKind = "loss"
)

// StockMovement records a change in a product's stock level
type StockMovement struct {
	Meta
	Product  Ref          `json:"product"`
	Movement MovementKind `json:"kind"`
	Quantity int64        `json:"quantity"`
	Reason   string       `json:"reason,omitempty"`
	User     Ref          `json:"user"`
}

func (s *StockMovement) Kind() EntityType { return TypeStockMovement }

func (s *StockMovement) Refs() []*Ref { return []*Ref{&s.Product, &s.User} }

func (s *StockMovement) Validate() error {
	switch s.Movement {
	case MovementIn, MovementOut, MovementSale, MovementLoss:
		if s.Quantity <= 0 {
			return fmt.Errorf("%s movement needs a positive quantity", s.Movement)
		}
	case MovementAdjustment:
	default:
		return fmt.Errorf("invalid movement kind %q", s.Movement)
	}
	return nil
}

// Delta returns the signed stock change the movement applies.
// Adjustments carry their own sign.
func (s *StockMovement) Delta() int64 {
	switch s.Movement {
	case MovementIn, MovementAdjustment:
		return s.Quantity
	default:
		return -s.Quantity
	}
}

// CashClosure reconciles the cash drawer at the end of a shift
type CashClosure struct {
	Meta
	OpenedAt          time.Time `json:"opened_at"`
	ClosedAt          time.Time `json:"closed_at"`
	InitialFundCents  int64     `json:"initial_fund_cents"`
	ExpectedCashCents int64     `json:"expected_cash_cents"`
	CountedCashCents  int64     `json:"counted_cash_cents"`
	DifferenceCents   int64     `json:"difference_cents"`
	TotalSalesCents   int64     `json:"total_sales_cents"`
	TransactionCount  int64     `json:"transaction_count"`
	User              Ref       `json:"user"`
	Notes             string    `json:"notes,omitempty"`
}

func (c *CashClosure) Kind() EntityType { return TypeCashClosure }

func (c *CashClosure) Refs() []*Ref { return []*Ref{&c.User} }

func (c *CashClosure) Validate() error {
	if c.ClosedAt.Before(c.OpenedAt) {
		return errors.New("closure ends before it opens")
	}
	if c.DifferenceCents != c.CountedCashCents-c.ExpectedCashCents {
		return fmt.Errorf("difference %d does not match counted-expected %d",
			c.DifferenceCents, c.CountedCashCents-c.ExpectedCashCents)
	}
	return nil
}

// Role is a user's permission level on the terminal
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleCashier Role = "cashier"
)

// User is a terminal operator
type User struct {
	Meta
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

func (u *User) Kind() EntityType { return TypeUser }

func (u *User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("user name is required")
	}
	switch u.Role {
	case RoleAdmin, RoleManager, RoleCashier:
	default:
		return fmt.Errorf("invalid role %q", u.Role)
	}
	return nil
}

// New returns an empty entity of the given kind.
func New(kind EntityType) (Entity, error) {
	switch kind {
	case TypeCategory:
		return &Category{}, nil
	case TypeProduct:
		return &Product{}, nil
	case TypeMenu:
		return &Menu{}, nil
	case TypeTransaction:
		return &Transaction{}, nil
	case TypeStockMovement:
		return &StockMovement{}, nil
	case TypeCashClosure:
		return &CashClosure{}, nil
	case TypeUser:
		return &User{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, kind)
}

// DecodeEntity unmarshals raw JSON into the concrete type named by kind.
func DecodeEntity(kind EntityType, raw []byte) (Entity, error) {
	e, err := New(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
	}
	return e, nil
}

// RefsOf returns the refs held by e, or nil when it holds none.
func RefsOf(e Entity) []*Ref {
	if r, ok := e.(Referrer); ok {
		return r.Refs()
	}
	return nil
}
