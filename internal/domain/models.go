package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Actor identifies the authenticated user an operation runs on behalf of.
// Authorization happens at the HTTP layer; the service only records and
// re-asserts manager-level preconditions.
type Actor struct {
	Username string
	Role     string
}

func (a Actor) CanManage() bool {
	return a.Role == RoleManager || a.Role == RoleAdmin
}

type Category struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Product struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"store_id"`
	CategoryID   string          `json:"category_id,omitempty"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	ReorderLevel int             `json:"reorder_level"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Customer struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"store_id"`
	Name          string          `json:"name"`
	Phone         string          `json:"phone"`
	Email         string          `json:"email,omitempty"`
	LoyaltyPoints int64           `json:"loyalty_points"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	CreatedAt     time.Time       `json:"created_at"`
}

const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed_amount"
	DiscountBuyXGetY   = "buy_x_get_y"
)

type Discount struct {
	ID          string          `json:"id"`
	StoreID     string          `json:"store_id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Value       decimal.Decimal `json:"value"`
	BuyQuantity int             `json:"buy_quantity,omitempty"`
	GetQuantity int             `json:"get_quantity,omitempty"`
	ProductID   string          `json:"product_id,omitempty"`
	StartsAt    time.Time       `json:"starts_at"`
	EndsAt      time.Time       `json:"ends_at"`
	MaxUses     int             `json:"max_uses"`
	TimesUsed   int             `json:"times_used"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StockRecord is the authoritative on-hand counter for one product in one
// store. Reserved stock is held by layaways and never moves on_hand.
type StockRecord struct {
	StoreID   string    `json:"store_id"`
	ProductID string    `json:"product_id"`
	OnHand    int       `json:"on_hand"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AvailableQuantity is a non-authoritative convenience read; the binding
// availability check happens inside the store's own serialized scope.
func (s StockRecord) AvailableQuantity() int {
	avail := s.OnHand - s.Reserved
	if avail < 0 {
		return 0
	}
	return avail
}

const (
	LedgerKindSale           = "sale"
	LedgerKindReturn         = "return"
	LedgerKindAdjustment     = "adjustment"
	LedgerKindLayawayCreate  = "layaway_create"
	LedgerKindLayawayFulfill = "layaway_fulfill"
	LedgerKindDamage         = "damage"
)

func ValidLedgerKind(kind string) bool {
	switch kind {
	case LedgerKindSale, LedgerKindReturn, LedgerKindAdjustment,
		LedgerKindLayawayCreate, LedgerKindLayawayFulfill, LedgerKindDamage:
		return true
	}
	return false
}

// LedgerEntry is an immutable record of one stock movement. The sum of
// deltas for a (store, product) pair always equals that pair's on_hand.
type LedgerEntry struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	ProductID string    `json:"product_id"`
	Delta     int       `json:"delta"`
	Kind      string    `json:"kind"`
	Reference string    `json:"reference,omitempty"`
	Actor     string    `json:"actor"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StockMutation describes one atomic on-hand change plus its ledger entry.
type StockMutation struct {
	StoreID   string
	ProductID string
	Delta     int
	Kind      string
	Reference string
	Actor     string
	Note      string
}

const (
	SaleStatusCompleted       = "completed"
	SaleStatusVoided          = "voided"
	SaleStatusRefundedPartial = "refunded_partial"
	SaleStatusRefundedFull    = "refunded_full"
)

const (
	PaymentMethodCash   = "cash"
	PaymentMethodCard   = "card"
	PaymentMethodMobile = "mobile_payment"
)

type Sale struct {
	ID              string          `json:"id"`
	StoreID         string          `json:"store_id"`
	CustomerID      string          `json:"customer_id,omitempty"`
	CashierUsername string          `json:"cashier_username"`
	Status          string          `json:"status"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	DiscountID      string          `json:"discount_id,omitempty"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	Total           decimal.Decimal `json:"total"`
	AmountRefunded  decimal.Decimal `json:"amount_refunded"`
	VoidReason      string          `json:"void_reason,omitempty"`
	VoidedAt        *time.Time      `json:"voided_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	Lines           []LineItem      `json:"lines"`
	Payments        []Payment       `json:"payments"`
}

type LineItem struct {
	ID               string          `json:"id"`
	SaleID           string          `json:"sale_id"`
	ProductID        string          `json:"product_id"`
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	LineTotal        decimal.Decimal `json:"line_total"`
	QuantityRefunded int             `json:"quantity_refunded"`
}

type Payment struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	ReturnStatusPending   = "pending"
	ReturnStatusCompleted = "completed"
	ReturnStatusRejected  = "rejected"
)

type Return struct {
	ID           string           `json:"id"`
	StoreID      string           `json:"store_id"`
	SaleID       string           `json:"sale_id,omitempty"`
	CustomerID   string           `json:"customer_id,omitempty"`
	Status       string           `json:"status"`
	Reason       string           `json:"reason"`
	RejectReason string           `json:"reject_reason,omitempty"`
	RefundTotal  decimal.Decimal  `json:"refund_total"`
	ProcessedBy  string           `json:"processed_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
	Lines        []ReturnLineItem `json:"lines"`
}

type ReturnLineItem struct {
	ID        string          `json:"id"`
	ReturnID  string          `json:"return_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

const (
	LayawayStatusActive    = "active"
	LayawayStatusCancelled = "cancelled"
	LayawayStatusFulfilled = "fulfilled"
)

type Layaway struct {
	ID         string          `json:"id"`
	StoreID    string          `json:"store_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Status     string          `json:"status"`
	Total      decimal.Decimal `json:"total"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Items      []LayawayItem   `json:"items"`
}

type LayawayItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CartLine is one requested sale line. UnitPrice overrides the catalog
// price when set (price negotiated at the counter).
type CartLine struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"required,gt=0"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type PaymentInput struct {
	Method    string          `json:"method" validate:"required,oneof=cash card mobile_payment"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
	Reference string          `json:"reference,omitempty"`
}

type SaleRequest struct {
	StoreID        string           `json:"store_id" validate:"required"`
	CustomerID     string           `json:"customer_id,omitempty"`
	DiscountCode   string           `json:"discount_code,omitempty"`
	TaxRatePercent *decimal.Decimal `json:"tax_rate_percent,omitempty"`
	Lines          []CartLine       `json:"lines" validate:"required,min=1,dive"`
	Payments       []PaymentInput   `json:"payments" validate:"required,min=1,dive"`
}

type VoidSaleRequest struct {
	SaleID     string `json:"sale_id" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type RefundLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type RefundRequest struct {
	SaleID     string       `json:"sale_id" validate:"required"`
	Reason     string       `json:"reason" validate:"required"`
	ManagerPIN string       `json:"manager_pin,omitempty"`
	Lines      []RefundLine `json:"lines" validate:"required,min=1,dive"`
}

type ReturnLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type ReturnRequest struct {
	StoreID    string       `json:"store_id" validate:"required"`
	SaleID     string       `json:"sale_id,omitempty"`
	CustomerID string       `json:"customer_id,omitempty"`
	Reason     string       `json:"reason" validate:"required"`
	Lines      []ReturnLine `json:"lines" validate:"required,min=1,dive"`
}

type AdjustInventoryRequest struct {
	StoreID   string `json:"store_id" validate:"required"`
	ProductID string `json:"product_id" validate:"required"`
	Delta     int    `json:"delta" validate:"required"`
	Kind      string `json:"kind" validate:"required"`
	Note      string `json:"note,omitempty"`
}

type LayawayRequest struct {
	StoreID    string     `json:"store_id" validate:"required"`
	CustomerID string     `json:"customer_id,omitempty"`
	Items      []CartLine `json:"items" validate:"required,min=1,dive"`
}

// Receipt is a read-only projection of a sale. For an unmodified sale it
// is identical on every read.
type Receipt struct {
	SaleID         string          `json:"sale_id"`
	StoreID        string          `json:"store_id"`
	Status         string          `json:"status"`
	Cashier        string          `json:"cashier"`
	Lines          []ReceiptLine   `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
	AmountRefunded decimal.Decimal `json:"amount_refunded"`
	Payments       []Payment       `json:"payments"`
	IssuedAt       time.Time       `json:"issued_at"`
}

type ReceiptLine struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type LowStockItem struct {
	ProductID    string `json:"product_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	OnHand       int    `json:"on_hand"`
	ReorderLevel int    `json:"reorder_level"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type StaffCreateRequest struct {
	Username string `json:"username" validate:"required,min=4"`
	Password string `json:"password" validate:"required,min=6"`
	Role     string `json:"role" validate:"omitempty,oneof=cashier manager"`
}

// StaffUser is the public projection of a user account; it never carries
// the password hash.
type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type ReturnRejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type ProductCreateRequest struct {
	Product      Product `json:"product"`
	InitialStock int     `json:"initial_stock"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
