package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tokopos/backend/internal/cache"
	"tokopos/backend/internal/discount"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// returnWindow is how long after a sale tied returns are accepted.
const returnWindow = 60 * 24 * time.Hour

const receiptTTL = time.Hour

var hundred = decimal.NewFromInt(100)

type Service struct {
	repo           store.Repository
	discounts      *discount.Evaluator
	receipts       cache.ReceiptCache
	defaultStoreID string
	defaultTaxRate decimal.Decimal
}

func New(repo store.Repository, discounts *discount.Evaluator, receipts cache.ReceiptCache, defaultStoreID string, defaultTaxRate decimal.Decimal) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	if discounts == nil {
		discounts = discount.NewEvaluator()
	}
	if receipts == nil {
		receipts = cache.NoopReceiptCache{}
	}
	if defaultTaxRate.IsNegative() {
		defaultTaxRate = decimal.NewFromInt(10)
	}

	return &Service{
		repo:           repo,
		discounts:      discounts,
		receipts:       receipts,
		defaultStoreID: defaultStoreID,
		defaultTaxRate: defaultTaxRate,
	}
}

func (s *Service) ListCategories(ctx context.Context, storeID string) ([]domain.Category, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.ListCategories(ctx, storeID)
}

func (s *Service) CreateCategory(ctx context.Context, category domain.Category) (domain.Category, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.Category{}, fmt.Errorf("manager role required")
	}
	if category.StoreID == "" {
		category.StoreID = s.defaultStoreID
	}

	created, err := s.repo.CreateCategory(ctx, category)
	if err != nil {
		return domain.Category{}, err
	}
	s.logAudit(ctx, created.StoreID, "category_create", "category", created.ID, created.Name)
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context, storeID string, activeOnly bool) ([]domain.Product, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.ListProducts(ctx, storeID, activeOnly)
}

func (s *Service) GetProduct(ctx context.Context, storeID, productID string) (domain.Product, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	product, err := s.repo.GetProduct(ctx, storeID, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product, initialStock int) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.Product{}, fmt.Errorf("manager role required")
	}

	if product.StoreID == "" {
		product.StoreID = s.defaultStoreID
	}
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" || !product.UnitPrice.IsPositive() {
		return domain.Product{}, store.ErrInvalidInput
	}
	if initialStock < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}
	if product.TaxRate.IsZero() {
		product.TaxRate = s.defaultTaxRate
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if initialStock > 0 {
		_, err := s.repo.AdjustStock(ctx, domain.StockMutation{
			StoreID:   created.StoreID,
			ProductID: created.ID,
			Delta:     initialStock,
			Kind:      domain.LedgerKindAdjustment,
			Actor:     actor.Username,
			Note:      "opening stock",
		})
		if err != nil {
			return domain.Product{}, err
		}
	}

	s.logAudit(ctx, created.StoreID, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,price=%s,stock=%d", created.SKU, created.UnitPrice.String(), initialStock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.Product{}, fmt.Errorf("manager role required")
	}

	saved, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, saved.StoreID, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%s", saved.Active, saved.UnitPrice.String()))
	return *saved, nil
}

func (s *Service) CreateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	if customer.StoreID == "" {
		customer.StoreID = s.defaultStoreID
	}
	customer.Name = strings.TrimSpace(customer.Name)
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.Name == "" || customer.Phone == "" {
		return domain.Customer{}, store.ErrInvalidInput
	}
	customer.LoyaltyPoints = 0
	customer.TotalSpent = decimal.Zero

	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, created.StoreID, "customer_create", "customer", created.ID, created.Phone)
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, storeID, customerID string) (domain.Customer, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	customer, err := s.repo.GetCustomer(ctx, storeID, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) SearchCustomers(ctx context.Context, storeID, query string, limit int) ([]domain.Customer, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.SearchCustomers(ctx, storeID, strings.TrimSpace(query), limit)
}

func (s *Service) ListDiscounts(ctx context.Context, storeID string, activeOnly bool) ([]domain.Discount, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.ListDiscounts(ctx, storeID, activeOnly)
}

func (s *Service) CreateDiscount(ctx context.Context, d domain.Discount) (domain.Discount, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.Discount{}, fmt.Errorf("manager role required")
	}
	if d.StoreID == "" {
		d.StoreID = s.defaultStoreID
	}
	d.Active = true
	if err := s.discounts.Validate(d, d.StartsAt); err != nil {
		if errors.Is(err, discount.ErrInvalidValue) || errors.Is(err, discount.ErrUnknownType) {
			return domain.Discount{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
		}
	}

	created, err := s.repo.CreateDiscount(ctx, d)
	if err != nil {
		return domain.Discount{}, err
	}
	s.logAudit(ctx, created.StoreID, "discount_create", "discount", created.ID, fmt.Sprintf("code=%s,type=%s", created.Code, created.Type))
	return *created, nil
}

// ValidateDiscountCode checks whether a code could be applied to a sale
// right now. It is a read-only preview; the authoritative check happens
// again inside CreateSale.
func (s *Service) ValidateDiscountCode(ctx context.Context, storeID, code string) (domain.Discount, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Discount{}, store.ErrInvalidInput
	}
	d, err := s.repo.GetDiscountByCode(ctx, storeID, code)
	if err != nil {
		return domain.Discount{}, err
	}
	if err := s.discounts.Validate(*d, time.Now().UTC()); err != nil {
		return domain.Discount{}, fmt.Errorf("%w: discount %s: %v", store.ErrConflict, d.Code, err)
	}
	return *d, nil
}

func (s *Service) AdjustInventory(ctx context.Context, req domain.AdjustInventoryRequest) (domain.StockRecord, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.StockRecord{}, fmt.Errorf("manager role required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	if req.Kind != domain.LedgerKindAdjustment && req.Kind != domain.LedgerKindDamage {
		return domain.StockRecord{}, store.ErrInvalidInput
	}
	if req.Kind == domain.LedgerKindDamage && req.Delta >= 0 {
		return domain.StockRecord{}, store.ErrInvalidInput
	}
	if req.Delta == 0 || req.ProductID == "" {
		return domain.StockRecord{}, store.ErrInvalidInput
	}

	if _, err := s.repo.GetProduct(ctx, req.StoreID, req.ProductID); err != nil {
		return domain.StockRecord{}, err
	}

	rec, err := s.repo.AdjustStock(ctx, domain.StockMutation{
		StoreID:   req.StoreID,
		ProductID: req.ProductID,
		Delta:     req.Delta,
		Kind:      req.Kind,
		Actor:     actor.Username,
		Note:      strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.StockRecord{}, err
	}

	s.logAudit(ctx, req.StoreID, "inventory_adjust", "stock", req.ProductID, fmt.Sprintf("delta=%d,kind=%s", req.Delta, req.Kind))
	return *rec, nil
}

func (s *Service) GetStock(ctx context.Context, storeID, productID string) (domain.StockRecord, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	rec, err := s.repo.GetOrCreateStock(ctx, storeID, productID)
	if err != nil {
		return domain.StockRecord{}, err
	}
	return *rec, nil
}

func (s *Service) LedgerHistory(ctx context.Context, storeID, productID string, limit int) ([]domain.LedgerEntry, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if productID == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.ListLedgerEntries(ctx, storeID, productID, limit)
}

func (s *Service) LowStockReport(ctx context.Context, storeID string) ([]domain.LowStockItem, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	return s.repo.ListLowStock(ctx, storeID)
}

// pricedLine is a cart line resolved against the catalog.
type pricedLine struct {
	product   domain.Product
	quantity  int
	unitPrice decimal.Decimal
}

func (s *Service) priceCart(ctx context.Context, storeID string, lines []domain.CartLine, allowOverride bool) ([]pricedLine, error) {
	// Repeated product IDs collapse into one line so availability is
	// checked against the summed quantity.
	merged := make([]domain.CartLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}

	priced := make([]pricedLine, 0, len(merged))
	for _, line := range merged {
		product, err := s.repo.GetProduct(ctx, storeID, line.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is inactive", store.ErrInvalidInput, product.SKU)
		}

		unitPrice := product.UnitPrice
		if line.UnitPrice != nil {
			if !allowOverride {
				return nil, fmt.Errorf("price override requires manager role")
			}
			if !line.UnitPrice.IsPositive() {
				return nil, store.ErrInvalidInput
			}
			unitPrice = *line.UnitPrice
		}

		priced = append(priced, pricedLine{
			product:   *product,
			quantity:  line.Quantity,
			unitPrice: unitPrice,
		})
	}
	return priced, nil
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, fmt.Errorf("authenticated actor required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if len(req.Lines) == 0 || len(req.Payments) == 0 {
		return domain.Sale{}, store.ErrInvalidInput
	}

	priced, err := s.priceCart(ctx, req.StoreID, req.Lines, actor.CanManage())
	if err != nil {
		return domain.Sale{}, err
	}

	// Pre-check availability against the reservation-aware balance. The
	// store re-checks on_hand under lock; this catches reserved units
	// that the on_hand check alone would miss.
	for _, line := range priced {
		rec, err := s.repo.GetOrCreateStock(ctx, req.StoreID, line.product.ID)
		if err != nil {
			return domain.Sale{}, err
		}
		if rec.AvailableQuantity() < line.quantity {
			return domain.Sale{}, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, line.product.SKU)
		}
	}

	subtotal := decimal.Zero
	lineItems := make([]domain.LineItem, 0, len(priced))
	for _, line := range priced {
		lineTotal := line.unitPrice.Mul(decimal.NewFromInt(int64(line.quantity)))
		subtotal = subtotal.Add(lineTotal)
		lineItems = append(lineItems, domain.LineItem{
			ProductID: line.product.ID,
			SKU:       line.product.SKU,
			Name:      line.product.Name,
			Quantity:  line.quantity,
			UnitPrice: line.unitPrice,
			LineTotal: lineTotal,
		})
	}

	discountAmount := decimal.Zero
	discountID := ""
	if code := strings.TrimSpace(req.DiscountCode); code != "" {
		d, err := s.repo.GetDiscountByCode(ctx, req.StoreID, code)
		if err != nil {
			return domain.Sale{}, err
		}
		if err := s.discounts.Validate(*d, time.Now().UTC()); err != nil {
			return domain.Sale{}, fmt.Errorf("%w: discount %s: %v", store.ErrInvalidInput, d.Code, err)
		}
		amount, err := s.discounts.AmountFor(*d, subtotal, lineItems)
		if err != nil {
			return domain.Sale{}, fmt.Errorf("%w: discount %s: %v", store.ErrInvalidInput, d.Code, err)
		}
		discountAmount = amount
		discountID = d.ID
	}

	taxRate := s.defaultTaxRate
	if req.TaxRatePercent != nil {
		taxRate = *req.TaxRatePercent
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(hundred) {
		return domain.Sale{}, store.ErrInvalidInput
	}

	taxBase := subtotal.Sub(discountAmount)
	if taxBase.IsNegative() {
		taxBase = decimal.Zero
	}
	taxAmount := taxBase.Mul(taxRate).Div(hundred).Round(2)
	total := taxBase.Add(taxAmount)

	paid := decimal.Zero
	payments := make([]domain.Payment, 0, len(req.Payments))
	for _, p := range req.Payments {
		if !p.Amount.IsPositive() {
			return domain.Sale{}, store.ErrInvalidInput
		}
		if p.Method != domain.PaymentMethodCash && strings.TrimSpace(p.Reference) == "" {
			return domain.Sale{}, fmt.Errorf("%w: %s payment requires a reference", store.ErrInvalidInput, p.Method)
		}
		paid = paid.Add(p.Amount)
		payments = append(payments, domain.Payment{
			Method:    p.Method,
			Amount:    p.Amount,
			Reference: strings.TrimSpace(p.Reference),
		})
	}
	if !paid.Equal(total) {
		return domain.Sale{}, fmt.Errorf("%w: payments %s do not match total %s", store.ErrInvalidInput, paid.String(), total.String())
	}

	var loyalty *domain.Customer
	if req.CustomerID != "" {
		customer, err := s.repo.GetCustomer(ctx, req.StoreID, req.CustomerID)
		if err != nil {
			return domain.Sale{}, err
		}
		loyalty = customer
	}

	saleID := uuid.NewString()
	debits := make([]domain.StockMutation, 0, len(priced))
	for _, line := range priced {
		debits = append(debits, domain.StockMutation{
			StoreID:   req.StoreID,
			ProductID: line.product.ID,
			Delta:     -line.quantity,
			Kind:      domain.LedgerKindSale,
			Reference: saleID,
			Actor:     actor.Username,
		})
	}

	sale := domain.Sale{
		ID:              saleID,
		StoreID:         req.StoreID,
		CustomerID:      req.CustomerID,
		CashierUsername: actor.Username,
		Status:          domain.SaleStatusCompleted,
		Subtotal:        subtotal,
		DiscountID:      discountID,
		DiscountAmount:  discountAmount,
		TaxRate:         taxRate,
		TaxAmount:       taxAmount,
		Total:           total,
		CreatedAt:       time.Now().UTC(),
		Lines:           lineItems,
		Payments:        payments,
	}

	created, err := s.repo.CreateSale(ctx, sale, debits, loyalty, discountID)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, req.StoreID, "sale_create", "sale", created.ID, fmt.Sprintf("total=%s,lines=%d,discount=%s", created.Total.String(), len(created.Lines), created.DiscountAmount.String()))
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	if saleID == "" {
		return domain.Sale{}, store.ErrInvalidInput
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, storeID, date string, limit int) ([]domain.Sale, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, storeID, from, to, limit)
}

func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.Sale{}, fmt.Errorf("manager role required")
	}
	if req.SaleID == "" || strings.TrimSpace(req.Reason) == "" {
		return domain.Sale{}, store.ErrInvalidInput
	}

	sale, err := s.repo.GetSale(ctx, req.SaleID)
	if err != nil {
		return domain.Sale{}, err
	}

	credits := make([]domain.StockMutation, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		credits = append(credits, domain.StockMutation{
			StoreID:   sale.StoreID,
			ProductID: line.ProductID,
			Delta:     line.Quantity,
			Kind:      domain.LedgerKindReturn,
			Reference: "VOID-" + sale.ID,
			Actor:     actor.Username,
		})
	}

	voided, err := s.repo.VoidSale(ctx, sale.ID, strings.TrimSpace(req.Reason), credits, time.Now().UTC())
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateReceipt(ctx, voided.ID)
	s.logAudit(ctx, voided.StoreID, "sale_void", "sale", voided.ID, req.Reason)
	return *voided, nil
}

func (s *Service) RefundSale(ctx context.Context, req domain.RefundRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.Sale{}, fmt.Errorf("manager role required")
	}
	if req.SaleID == "" || len(req.Lines) == 0 {
		return domain.Sale{}, store.ErrInvalidInput
	}

	sale, err := s.repo.GetSale(ctx, req.SaleID)
	if err != nil {
		return domain.Sale{}, err
	}

	lineByProduct := make(map[string]domain.LineItem, len(sale.Lines))
	for _, line := range sale.Lines {
		lineByProduct[line.ProductID] = line
	}

	refunded := make(map[string]int, len(req.Lines))
	amount := decimal.Zero
	credits := make([]domain.StockMutation, 0, len(req.Lines))
	for _, rl := range req.Lines {
		if rl.ProductID == "" || rl.Quantity < 1 {
			return domain.Sale{}, store.ErrInvalidInput
		}
		line, exists := lineByProduct[rl.ProductID]
		if !exists {
			return domain.Sale{}, fmt.Errorf("%w: product %s not on sale", store.ErrNotFound, rl.ProductID)
		}
		if line.QuantityRefunded+refunded[rl.ProductID]+rl.Quantity > line.Quantity {
			return domain.Sale{}, fmt.Errorf("%w: refund exceeds purchased quantity for %s", store.ErrConflict, line.SKU)
		}
		refunded[rl.ProductID] += rl.Quantity
		amount = amount.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(rl.Quantity))))
		credits = append(credits, domain.StockMutation{
			StoreID:   sale.StoreID,
			ProductID: rl.ProductID,
			Delta:     rl.Quantity,
			Kind:      domain.LedgerKindReturn,
			Reference: "REFUND-" + sale.ID,
			Actor:     actor.Username,
		})
	}

	// The repository clamps amount to the refundable balance and derives
	// the partial/full status under its own lock; the sale loaded above is
	// only a pricing snapshot.
	updated, err := s.repo.ApplyRefund(ctx, sale.ID, refunded, amount, credits)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateReceipt(ctx, updated.ID)
	s.logAudit(ctx, updated.StoreID, "sale_refund", "sale", updated.ID, fmt.Sprintf("amount_refunded=%s,status=%s,reason=%s", updated.AmountRefunded.String(), updated.Status, req.Reason))
	return *updated, nil
}

func (s *Service) CreateReturn(ctx context.Context, req domain.ReturnRequest) (domain.Return, error) {
	if len(req.Lines) == 0 || strings.TrimSpace(req.Reason) == "" {
		return domain.Return{}, store.ErrInvalidInput
	}

	var sale *domain.Sale
	if req.SaleID != "" {
		loaded, err := s.repo.GetSale(ctx, req.SaleID)
		if err != nil {
			return domain.Return{}, err
		}
		// A tied return always restocks the store that sold the goods;
		// naming any other store is a conflict, not a redirect.
		if req.StoreID != "" && req.StoreID != loaded.StoreID {
			return domain.Return{}, fmt.Errorf("%w: sale belongs to store %s", store.ErrConflict, loaded.StoreID)
		}
		req.StoreID = loaded.StoreID
		if time.Since(loaded.CreatedAt) > returnWindow {
			return domain.Return{}, fmt.Errorf("%w: sale is outside the return window", store.ErrConflict)
		}
		sale = loaded
	}
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}

	lines := make([]domain.ReturnLineItem, 0, len(req.Lines))
	total := decimal.Zero
	for _, rl := range req.Lines {
		if rl.ProductID == "" || rl.Quantity < 1 {
			return domain.Return{}, store.ErrInvalidInput
		}

		var unitPrice decimal.Decimal
		if sale != nil {
			// Tied returns refund at the price actually paid.
			found := false
			for _, sl := range sale.Lines {
				if sl.ProductID == rl.ProductID {
					if rl.Quantity > sl.Quantity {
						return domain.Return{}, fmt.Errorf("%w: return exceeds purchased quantity for %s", store.ErrConflict, sl.SKU)
					}
					unitPrice = sl.UnitPrice
					found = true
					break
				}
			}
			if !found {
				return domain.Return{}, fmt.Errorf("%w: product %s not on sale", store.ErrNotFound, rl.ProductID)
			}
		} else {
			product, err := s.repo.GetProduct(ctx, req.StoreID, rl.ProductID)
			if err != nil {
				return domain.Return{}, err
			}
			unitPrice = product.UnitPrice
		}

		lineTotal := unitPrice.Mul(decimal.NewFromInt(int64(rl.Quantity)))
		total = total.Add(lineTotal)
		lines = append(lines, domain.ReturnLineItem{
			ProductID: rl.ProductID,
			Quantity:  rl.Quantity,
			UnitPrice: unitPrice,
			LineTotal: lineTotal,
		})
	}

	ret := domain.Return{
		StoreID:     req.StoreID,
		SaleID:      req.SaleID,
		CustomerID:  req.CustomerID,
		Status:      domain.ReturnStatusPending,
		Reason:      strings.TrimSpace(req.Reason),
		RefundTotal: total,
		CreatedAt:   time.Now().UTC(),
		Lines:       lines,
	}

	created, err := s.repo.CreateReturn(ctx, ret)
	if err != nil {
		return domain.Return{}, err
	}

	s.logAudit(ctx, req.StoreID, "return_create", "return", created.ID, fmt.Sprintf("sale=%s,total=%s", req.SaleID, total.String()))
	return *created, nil
}

func (s *Service) GetReturn(ctx context.Context, returnID string) (domain.Return, error) {
	if returnID == "" {
		return domain.Return{}, store.ErrInvalidInput
	}
	ret, err := s.repo.GetReturn(ctx, returnID)
	if err != nil {
		return domain.Return{}, err
	}
	return *ret, nil
}

func (s *Service) ApproveReturn(ctx context.Context, returnID string) (domain.Return, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.Return{}, fmt.Errorf("manager role required")
	}
	if returnID == "" {
		return domain.Return{}, store.ErrInvalidInput
	}

	ret, err := s.repo.GetReturn(ctx, returnID)
	if err != nil {
		return domain.Return{}, err
	}

	credits := make([]domain.StockMutation, 0, len(ret.Lines))
	for _, line := range ret.Lines {
		credits = append(credits, domain.StockMutation{
			StoreID:   ret.StoreID,
			ProductID: line.ProductID,
			Delta:     line.Quantity,
			Kind:      domain.LedgerKindReturn,
			Reference: "RETURN-" + ret.ID,
			Actor:     actor.Username,
		})
	}

	resolved, err := s.repo.ResolveReturn(ctx, ret.ID, domain.ReturnStatusCompleted, "", actor.Username, credits, time.Now().UTC())
	if err != nil {
		return domain.Return{}, err
	}

	if resolved.SaleID != "" {
		s.invalidateReceipt(ctx, resolved.SaleID)
	}
	s.logAudit(ctx, resolved.StoreID, "return_approve", "return", resolved.ID, fmt.Sprintf("refund=%s", resolved.RefundTotal.String()))
	return *resolved, nil
}

func (s *Service) RejectReturn(ctx context.Context, returnID, reason string) (domain.Return, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.CanManage() {
		return domain.Return{}, fmt.Errorf("manager role required")
	}
	if returnID == "" || strings.TrimSpace(reason) == "" {
		return domain.Return{}, store.ErrInvalidInput
	}

	resolved, err := s.repo.ResolveReturn(ctx, returnID, domain.ReturnStatusRejected, strings.TrimSpace(reason), actor.Username, nil, time.Now().UTC())
	if err != nil {
		return domain.Return{}, err
	}

	s.logAudit(ctx, resolved.StoreID, "return_reject", "return", resolved.ID, reason)
	return *resolved, nil
}

func (s *Service) CreateLayaway(ctx context.Context, req domain.LayawayRequest) (domain.Layaway, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Layaway{}, fmt.Errorf("authenticated actor required")
	}

	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if len(req.Items) == 0 {
		return domain.Layaway{}, store.ErrInvalidInput
	}

	priced, err := s.priceCart(ctx, req.StoreID, req.Items, false)
	if err != nil {
		return domain.Layaway{}, err
	}

	total := decimal.Zero
	items := make([]domain.LayawayItem, 0, len(priced))
	for _, line := range priced {
		total = total.Add(line.unitPrice.Mul(decimal.NewFromInt(int64(line.quantity))))
		items = append(items, domain.LayawayItem{
			ProductID: line.product.ID,
			Quantity:  line.quantity,
			UnitPrice: line.unitPrice,
		})
	}

	created, err := s.repo.CreateLayaway(ctx, domain.Layaway{
		StoreID:    req.StoreID,
		CustomerID: req.CustomerID,
		Total:      total,
		CreatedAt:  time.Now().UTC(),
		Items:      items,
	})
	if err != nil {
		return domain.Layaway{}, err
	}

	s.logAudit(ctx, req.StoreID, "layaway_create", "layaway", created.ID, fmt.Sprintf("items=%d,total=%s,actor=%s", len(items), total.String(), actor.Username))
	return *created, nil
}

func (s *Service) GetLayaway(ctx context.Context, layawayID string) (domain.Layaway, error) {
	if layawayID == "" {
		return domain.Layaway{}, store.ErrInvalidInput
	}
	layaway, err := s.repo.GetLayaway(ctx, layawayID)
	if err != nil {
		return domain.Layaway{}, err
	}
	return *layaway, nil
}

func (s *Service) CancelLayaway(ctx context.Context, layawayID string) (domain.Layaway, error) {
	if layawayID == "" {
		return domain.Layaway{}, store.ErrInvalidInput
	}

	// Cancellation only releases the reservation; on_hand never moved,
	// so there are no ledger writes.
	resolved, err := s.repo.ResolveLayaway(ctx, layawayID, domain.LayawayStatusCancelled, nil, time.Now().UTC())
	if err != nil {
		return domain.Layaway{}, err
	}

	s.logAudit(ctx, resolved.StoreID, "layaway_cancel", "layaway", resolved.ID, "")
	return *resolved, nil
}

func (s *Service) FulfillLayaway(ctx context.Context, layawayID string) (domain.Layaway, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Layaway{}, fmt.Errorf("authenticated actor required")
	}
	if layawayID == "" {
		return domain.Layaway{}, store.ErrInvalidInput
	}

	layaway, err := s.repo.GetLayaway(ctx, layawayID)
	if err != nil {
		return domain.Layaway{}, err
	}

	debits := make([]domain.StockMutation, 0, len(layaway.Items))
	for _, item := range layaway.Items {
		debits = append(debits, domain.StockMutation{
			StoreID:   layaway.StoreID,
			ProductID: item.ProductID,
			Delta:     -item.Quantity,
			Kind:      domain.LedgerKindLayawayFulfill,
			Reference: layaway.ID,
			Actor:     actor.Username,
		})
	}

	resolved, err := s.repo.ResolveLayaway(ctx, layaway.ID, domain.LayawayStatusFulfilled, debits, time.Now().UTC())
	if err != nil {
		return domain.Layaway{}, err
	}

	s.logAudit(ctx, resolved.StoreID, "layaway_fulfill", "layaway", resolved.ID, fmt.Sprintf("total=%s", resolved.Total.String()))
	return *resolved, nil
}

// GetReceipt renders a sale as a receipt. Rendered receipts are cached;
// void, refund, and approved-return paths invalidate the entry so the
// next read reflects the compensation.
func (s *Service) GetReceipt(ctx context.Context, saleID string) (domain.Receipt, error) {
	if saleID == "" {
		return domain.Receipt{}, store.ErrInvalidInput
	}

	if cached, found, err := s.receipts.Get(ctx, receiptKey(saleID)); err == nil && found {
		return *cached, nil
	} else if err != nil {
		log.Printf("[receipt-cache] WARN: get %s: %v", saleID, err)
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Receipt{}, err
	}

	lines := make([]domain.ReceiptLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		lines = append(lines, domain.ReceiptLine{
			SKU:       line.SKU,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
		})
	}

	receipt := domain.Receipt{
		SaleID:         sale.ID,
		StoreID:        sale.StoreID,
		Status:         sale.Status,
		Cashier:        sale.CashierUsername,
		Lines:          lines,
		Subtotal:       sale.Subtotal,
		DiscountAmount: sale.DiscountAmount,
		TaxAmount:      sale.TaxAmount,
		Total:          sale.Total,
		AmountRefunded: sale.AmountRefunded,
		Payments:       sale.Payments,
		IssuedAt:       sale.CreatedAt,
	}

	if err := s.receipts.Set(ctx, receiptKey(saleID), &receipt, receiptTTL); err != nil {
		log.Printf("[receipt-cache] WARN: set %s: %v", saleID, err)
	}
	return receipt, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if limit < 1 {
		limit = 100
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, storeID, from, to, limit)
}

func (s *Service) invalidateReceipt(ctx context.Context, saleID string) {
	if err := s.receipts.Delete(ctx, receiptKey(saleID)); err != nil {
		log.Printf("[receipt-cache] WARN: delete %s: %v", saleID, err)
	}
}

func receiptKey(saleID string) string {
	return "receipt:" + saleID
}

func dayRange(date string) (time.Time, time.Time, error) {
	if strings.TrimSpace(date) == "" {
		to := time.Now().UTC()
		return to.Add(-24 * time.Hour), to.Add(time.Hour), nil
	}
	parsed, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, time.Time{}, store.ErrInvalidInput
	}
	from := parsed.UTC()
	return from, from.Add(24 * time.Hour), nil
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            uuid.NewString(),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
