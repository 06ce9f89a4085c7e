package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Repository is the persistence boundary. Implementations guarantee that
// every mutating method is atomic: either all of its writes commit or none
// do, and no partial state is ever observable by concurrent callers.
type Repository interface {
	// Catalog
	ListCategories(ctx context.Context, storeID string) ([]domain.Category, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	ListProducts(ctx context.Context, storeID string, activeOnly bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, storeID, productID string) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, storeID, sku string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// Customers
	GetCustomer(ctx context.Context, storeID, customerID string) (*domain.Customer, error)
	FindCustomerByPhone(ctx context.Context, storeID, phone string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	SearchCustomers(ctx context.Context, storeID, query string, limit int) ([]domain.Customer, error)

	// Discount catalog
	ListDiscounts(ctx context.Context, storeID string, activeOnly bool) ([]domain.Discount, error)
	GetDiscountByCode(ctx context.Context, storeID, code string) (*domain.Discount, error)
	CreateDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error)

	// Stock and ledger. AdjustStock applies on_hand += Delta and appends the
	// matching ledger entry in one atomic step; a negative delta that would
	// take on_hand below zero fails with ErrInsufficientStock and writes
	// nothing. Reserve/Release touch reserved only and never the ledger.
	GetOrCreateStock(ctx context.Context, storeID, productID string) (*domain.StockRecord, error)
	AdjustStock(ctx context.Context, mut domain.StockMutation) (*domain.StockRecord, error)
	ReserveStock(ctx context.Context, storeID, productID string, qty int) (*domain.StockRecord, error)
	ReleaseStock(ctx context.Context, storeID, productID string, qty int) (*domain.StockRecord, error)
	ListLedgerEntries(ctx context.Context, storeID, productID string, limit int) ([]domain.LedgerEntry, error)
	ListLowStock(ctx context.Context, storeID string) ([]domain.LowStockItem, error)

	// Sales. CreateSale commits the sale, its lines and payments, every
	// stock debit, the loyalty accrual, and the discount usage increment as
	// one unit; any ledger failure rolls the whole unit back.
	CreateSale(ctx context.Context, sale domain.Sale, debits []domain.StockMutation, loyalty *domain.Customer, discountID string) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Sale, error)

	// Compensation. VoidSale and ApplyRefund pair the sale-state transition
	// with the compensating ledger credits in one unit. ApplyRefund clamps
	// amount to the sale's remaining refundable balance and derives the
	// partial/full status itself, from the locked sale row, so concurrent
	// refunds cannot overshoot the total.
	VoidSale(ctx context.Context, saleID, reason string, credits []domain.StockMutation, at time.Time) (*domain.Sale, error)
	ApplyRefund(ctx context.Context, saleID string, refunded map[string]int, amount decimal.Decimal, credits []domain.StockMutation) (*domain.Sale, error)

	// Returns
	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	GetReturn(ctx context.Context, returnID string) (*domain.Return, error)
	ResolveReturn(ctx context.Context, returnID, status, rejectReason, processedBy string, credits []domain.StockMutation, at time.Time) (*domain.Return, error)

	// Layaway
	CreateLayaway(ctx context.Context, layaway domain.Layaway) (*domain.Layaway, error)
	GetLayaway(ctx context.Context, layawayID string) (*domain.Layaway, error)
	ResolveLayaway(ctx context.Context, layawayID, status string, debits []domain.StockMutation, at time.Time) (*domain.Layaway, error)

	// Audit and auth
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username, password string) error
}
