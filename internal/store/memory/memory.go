package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

// Store is an in-memory Repository for dev and tests. A single RWMutex
// guards every map, so each mutating method is one critical section and
// multi-row operations are atomic with respect to concurrent callers.
type Store struct {
	mu              sync.RWMutex
	categoriesByID  map[string]domain.Category
	productsByID    map[string]domain.Product
	customersByID   map[string]domain.Customer
	discountsByID   map[string]domain.Discount
	stockByKey      map[string]domain.StockRecord
	ledgerByKey     map[string][]domain.LedgerEntry
	salesByID       map[string]*domain.Sale
	returnsByID     map[string]*domain.Return
	layawaysByID    map[string]*domain.Layaway
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

const seedStoreID = "main-store"

func New() *Store {
	return &Store{
		categoriesByID:  make(map[string]domain.Category),
		productsByID:    make(map[string]domain.Product),
		customersByID:   make(map[string]domain.Customer),
		discountsByID:   make(map[string]domain.Discount),
		stockByKey:      make(map[string]domain.StockRecord),
		ledgerByKey:     make(map[string][]domain.LedgerEntry),
		salesByID:       make(map[string]*domain.Sale),
		returnsByID:     make(map[string]*domain.Return),
		layawaysByID:    make(map[string]*domain.Layaway),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	grocery := domain.Category{ID: uuid.NewString(), StoreID: seedStoreID, Name: "grocery", CreatedAt: now}
	beverage := domain.Category{ID: uuid.NewString(), StoreID: seedStoreID, Name: "beverage", CreatedAt: now}
	household := domain.Category{ID: uuid.NewString(), StoreID: seedStoreID, Name: "household", CreatedAt: now}
	for _, c := range []domain.Category{grocery, beverage, household} {
		s.categoriesByID[c.ID] = c
	}

	products := []domain.Product{
		{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", CategoryID: grocery.ID, UnitPrice: dec("3500"), CostPrice: dec("2700"), ReorderLevel: 20},
		{SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", CategoryID: grocery.ID, UnitPrice: dec("26500"), CostPrice: dec("23000"), ReorderLevel: 10},
		{SKU: "SKU-GULA-01", Name: "Gula 1kg", CategoryID: grocery.ID, UnitPrice: dec("17400"), CostPrice: dec("15300"), ReorderLevel: 15},
		{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", CategoryID: beverage.ID, UnitPrice: dec("2600"), CostPrice: dec("1700"), ReorderLevel: 40},
		{SKU: "SKU-TEH-01", Name: "Teh Celup", CategoryID: beverage.ID, UnitPrice: dec("9800"), CostPrice: dec("7200"), ReorderLevel: 20},
		{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", CategoryID: beverage.ID, UnitPrice: dec("3900"), CostPrice: dec("3200"), ReorderLevel: 50},
		{SKU: "SKU-SABUN-01", Name: "Sabun Mandi", CategoryID: household.ID, UnitPrice: dec("7400"), CostPrice: dec("5000"), ReorderLevel: 15},
		{SKU: "SKU-SHAMPOO-01", Name: "Shampoo Sachet", CategoryID: household.ID, UnitPrice: dec("3200"), CostPrice: dec("2100"), ReorderLevel: 30},
	}
	for _, p := range products {
		p.ID = uuid.NewString()
		p.StoreID = seedStoreID
		p.TaxRate = dec("10")
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.productsByID[p.ID] = p
		key := stockKey(seedStoreID, p.ID)
		s.stockByKey[key] = domain.StockRecord{StoreID: seedStoreID, ProductID: p.ID, OnHand: 120, UpdatedAt: now}
		s.ledgerByKey[key] = []domain.LedgerEntry{{
			ID:        uuid.NewString(),
			StoreID:   seedStoreID,
			ProductID: p.ID,
			Delta:     120,
			Kind:      domain.LedgerKindAdjustment,
			Actor:     "seed",
			Note:      "opening stock",
			CreatedAt: now,
		}}
	}

	customers := []domain.Customer{
		{Name: "Budi Santoso", Phone: "081234567001"},
		{Name: "Siti Rahayu", Phone: "081234567002"},
	}
	for _, c := range customers {
		c.ID = uuid.NewString()
		c.StoreID = seedStoreID
		c.TotalSpent = decimal.Zero
		c.CreatedAt = now
		s.customersByID[c.ID] = c
	}

	discounts := []domain.Discount{
		{Code: "WELCOME10", Name: "Diskon Member Baru", Type: domain.DiscountPercentage, Value: dec("10")},
		{Code: "HEMAT5000", Name: "Potongan Langsung", Type: domain.DiscountFixed, Value: dec("5000")},
	}
	for _, d := range discounts {
		d.ID = uuid.NewString()
		d.StoreID = seedStoreID
		d.StartsAt = now.Add(-24 * time.Hour)
		d.EndsAt = now.Add(365 * 24 * time.Hour)
		d.Active = true
		d.CreatedAt = now
		s.discountsByID[d.ID] = d
	}

	return s
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func stockKey(storeID, productID string) string {
	return storeID + "::" + productID
}

func (s *Store) ListCategories(_ context.Context, storeID string) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categoriesByID))
	for _, c := range s.categoriesByID {
		if storeID != "" && c.StoreID != storeID {
			continue
		}
		categories = append(categories, c)
	}
	slices.SortFunc(categories, func(a, b domain.Category) int {
		return cmpString(a.Name, b.Name)
	})
	return categories, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" || category.StoreID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.categoriesByID {
		if existing.StoreID == category.StoreID && strings.EqualFold(existing.Name, category.Name) {
			return nil, store.ErrConflict
		}
	}
	if category.ID == "" {
		category.ID = uuid.NewString()
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	s.categoriesByID[category.ID] = category
	created := category
	return &created, nil
}

func (s *Store) ListProducts(_ context.Context, storeID string, activeOnly bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		if storeID != "" && p.StoreID != storeID {
			continue
		}
		if activeOnly && !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, storeID, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.productsByID[productID]
	if !ok || (storeID != "" && p.StoreID != storeID) {
		return nil, store.ErrNotFound
	}
	copyProduct := p
	return &copyProduct, nil
}

func (s *Store) GetProductBySKU(_ context.Context, storeID, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.productsByID {
		if p.StoreID == storeID && p.SKU == sku {
			copyProduct := p
			return &copyProduct, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if product.StoreID == "" || product.SKU == "" || product.Name == "" || !product.UnitPrice.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.productsByID {
		if existing.StoreID == product.StoreID && existing.SKU == product.SKU {
			return nil, store.ErrConflict
		}
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Active = true
	s.productsByID[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || !product.UnitPrice.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.productsByID[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.StoreID = existing.StoreID
	product.SKU = existing.SKU
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.productsByID[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetCustomer(_ context.Context, storeID, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customersByID[customerID]
	if !ok || (storeID != "" && c.StoreID != storeID) {
		return nil, store.ErrNotFound
	}
	copyCustomer := c
	return &copyCustomer, nil
}

func (s *Store) FindCustomerByPhone(_ context.Context, storeID, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customersByID {
		if c.StoreID == storeID && c.Phone == phone {
			copyCustomer := c
			return &copyCustomer, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.StoreID == "" || customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.customersByID {
		if existing.StoreID == customer.StoreID && existing.Phone == customer.Phone {
			return nil, store.ErrConflict
		}
	}
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customersByID[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) SearchCustomers(_ context.Context, storeID, query string, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(strings.TrimSpace(query))
	result := make([]domain.Customer, 0, 16)
	for _, c := range s.customersByID {
		if storeID != "" && c.StoreID != storeID {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(c.Name), query) && !strings.Contains(c.Phone, query) {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b domain.Customer) int {
		return cmpString(a.Name, b.Name)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListDiscounts(_ context.Context, storeID string, activeOnly bool) ([]domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	discounts := make([]domain.Discount, 0, len(s.discountsByID))
	for _, d := range s.discountsByID {
		if storeID != "" && d.StoreID != storeID {
			continue
		}
		if activeOnly && !d.Active {
			continue
		}
		discounts = append(discounts, d)
	}
	slices.SortFunc(discounts, func(a, b domain.Discount) int {
		return cmpString(a.Code, b.Code)
	})
	return discounts, nil
}

func (s *Store) GetDiscountByCode(_ context.Context, storeID, code string) (*domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.discountsByID {
		if d.StoreID == storeID && strings.EqualFold(d.Code, code) {
			copyDiscount := d
			return &copyDiscount, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateDiscount(_ context.Context, discount domain.Discount) (*domain.Discount, error) {
	discount.Code = strings.ToUpper(strings.TrimSpace(discount.Code))
	if discount.StoreID == "" || discount.Code == "" || discount.Type == "" {
		return nil, store.ErrInvalidInput
	}
	if !discount.EndsAt.After(discount.StartsAt) {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.discountsByID {
		if existing.StoreID == discount.StoreID && existing.Code == discount.Code {
			return nil, store.ErrConflict
		}
	}
	if discount.ID == "" {
		discount.ID = uuid.NewString()
	}
	if discount.CreatedAt.IsZero() {
		discount.CreatedAt = time.Now().UTC()
	}
	discount.Active = true
	discount.TimesUsed = 0
	s.discountsByID[discount.ID] = discount
	created := discount
	return &created, nil
}

func (s *Store) GetOrCreateStock(_ context.Context, storeID, productID string) (*domain.StockRecord, error) {
	if storeID == "" || productID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateStockLocked(storeID, productID)
	copyRec := rec
	return &copyRec, nil
}

// getOrCreateStockLocked requires s.mu held for writing.
func (s *Store) getOrCreateStockLocked(storeID, productID string) domain.StockRecord {
	key := stockKey(storeID, productID)
	rec, ok := s.stockByKey[key]
	if !ok {
		rec = domain.StockRecord{StoreID: storeID, ProductID: productID, UpdatedAt: time.Now().UTC()}
		s.stockByKey[key] = rec
	}
	return rec
}

func (s *Store) AdjustStock(_ context.Context, mut domain.StockMutation) (*domain.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.applyMutationLocked(mut, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	copyRec := rec
	return &copyRec, nil
}

// applyMutationLocked applies one stock delta plus its ledger entry. It
// requires s.mu held for writing; the caller is the atomic scope, so a
// multi-mutation operation must pre-check feasibility before applying any.
func (s *Store) applyMutationLocked(mut domain.StockMutation, at time.Time) (domain.StockRecord, error) {
	if mut.StoreID == "" || mut.ProductID == "" || mut.Delta == 0 || !domain.ValidLedgerKind(mut.Kind) {
		return domain.StockRecord{}, store.ErrInvalidInput
	}
	rec := s.getOrCreateStockLocked(mut.StoreID, mut.ProductID)
	next := rec.OnHand + mut.Delta
	if next < 0 {
		return domain.StockRecord{}, store.ErrInsufficientStock
	}
	rec.OnHand = next
	rec.UpdatedAt = at

	key := stockKey(mut.StoreID, mut.ProductID)
	s.stockByKey[key] = rec
	s.ledgerByKey[key] = append(s.ledgerByKey[key], domain.LedgerEntry{
		ID:        uuid.NewString(),
		StoreID:   mut.StoreID,
		ProductID: mut.ProductID,
		Delta:     mut.Delta,
		Kind:      mut.Kind,
		Reference: mut.Reference,
		Actor:     mut.Actor,
		Note:      mut.Note,
		CreatedAt: at,
	})
	return rec, nil
}

// checkMutationsLocked verifies that applying every mutation would leave
// all touched stock rows non-negative. Requires s.mu held.
func (s *Store) checkMutationsLocked(muts []domain.StockMutation) error {
	projected := map[string]int{}
	for _, mut := range muts {
		if mut.StoreID == "" || mut.ProductID == "" || mut.Delta == 0 || !domain.ValidLedgerKind(mut.Kind) {
			return store.ErrInvalidInput
		}
		key := stockKey(mut.StoreID, mut.ProductID)
		if _, ok := projected[key]; !ok {
			projected[key] = s.stockByKey[key].OnHand
		}
		projected[key] += mut.Delta
		if projected[key] < 0 {
			return store.ErrInsufficientStock
		}
	}
	return nil
}

func (s *Store) applyMutationsLocked(muts []domain.StockMutation, at time.Time) error {
	if err := s.checkMutationsLocked(muts); err != nil {
		return err
	}
	for _, mut := range muts {
		if _, err := s.applyMutationLocked(mut, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ReserveStock(_ context.Context, storeID, productID string, qty int) (*domain.StockRecord, error) {
	if qty < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateStockLocked(storeID, productID)
	if rec.OnHand-rec.Reserved < qty {
		return nil, store.ErrInsufficientStock
	}
	rec.Reserved += qty
	rec.UpdatedAt = time.Now().UTC()
	s.stockByKey[stockKey(storeID, productID)] = rec
	copyRec := rec
	return &copyRec, nil
}

func (s *Store) ReleaseStock(_ context.Context, storeID, productID string, qty int) (*domain.StockRecord, error) {
	if qty < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateStockLocked(storeID, productID)
	rec.Reserved -= qty
	if rec.Reserved < 0 {
		rec.Reserved = 0
	}
	rec.UpdatedAt = time.Now().UTC()
	s.stockByKey[stockKey(storeID, productID)] = rec
	copyRec := rec
	return &copyRec, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, storeID, productID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ledgerByKey[stockKey(storeID, productID)]
	result := make([]domain.LedgerEntry, len(entries))
	copy(result, entries)
	slices.SortFunc(result, func(a, b domain.LedgerEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListLowStock(_ context.Context, storeID string) ([]domain.LowStockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LowStockItem, 0, 16)
	for _, p := range s.productsByID {
		if p.StoreID != storeID || !p.Active || p.ReorderLevel < 1 {
			continue
		}
		onHand := s.stockByKey[stockKey(storeID, p.ID)].OnHand
		if onHand >= p.ReorderLevel {
			continue
		}
		result = append(result, domain.LowStockItem{
			ProductID:    p.ID,
			SKU:          p.SKU,
			Name:         p.Name,
			OnHand:       onHand,
			ReorderLevel: p.ReorderLevel,
		})
	}
	slices.SortFunc(result, func(a, b domain.LowStockItem) int {
		if a.OnHand == b.OnHand {
			return cmpString(a.SKU, b.SKU)
		}
		if a.OnHand < b.OnHand {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, debits []domain.StockMutation, loyalty *domain.Customer, discountID string) (*domain.Sale, error) {
	if len(sale.Lines) == 0 || len(sale.Payments) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.applyMutationsLocked(debits, now); err != nil {
		return nil, err
	}

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	sale.AmountRefunded = decimal.Zero
	for i := range sale.Lines {
		if sale.Lines[i].ID == "" {
			sale.Lines[i].ID = uuid.NewString()
		}
		sale.Lines[i].SaleID = sale.ID
	}
	for i := range sale.Payments {
		if sale.Payments[i].ID == "" {
			sale.Payments[i].ID = uuid.NewString()
		}
		sale.Payments[i].SaleID = sale.ID
		if sale.Payments[i].CreatedAt.IsZero() {
			sale.Payments[i].CreatedAt = now
		}
	}

	if loyalty != nil {
		if c, ok := s.customersByID[loyalty.ID]; ok {
			c.LoyaltyPoints += sale.Subtotal.IntPart()
			c.TotalSpent = c.TotalSpent.Add(sale.Subtotal)
			s.customersByID[c.ID] = c
		}
	}
	if discountID != "" {
		if d, ok := s.discountsByID[discountID]; ok {
			d.TimesUsed++
			s.discountsByID[discountID] = d
		}
	}

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	return cloneSale(saved), nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, storeID string, from, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if storeID != "" && sale.StoreID != storeID {
			continue
		}
		if !from.IsZero() && sale.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) VoidSale(_ context.Context, saleID, reason string, credits []domain.StockMutation, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrConflict
	}
	if err := s.applyMutationsLocked(credits, at); err != nil {
		return nil, err
	}

	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return cloneSale(sale), nil
}

func (s *Store) ApplyRefund(_ context.Context, saleID string, refunded map[string]int, amount decimal.Decimal, credits []domain.StockMutation) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	switch sale.Status {
	case domain.SaleStatusCompleted, domain.SaleStatusRefundedPartial:
	default:
		return nil, store.ErrConflict
	}
	for productID, qty := range refunded {
		found := false
		for i := range sale.Lines {
			if sale.Lines[i].ProductID != productID {
				continue
			}
			found = true
			if sale.Lines[i].QuantityRefunded+qty > sale.Lines[i].Quantity {
				return nil, store.ErrConflict
			}
		}
		if !found {
			return nil, store.ErrNotFound
		}
	}
	if err := s.applyMutationsLocked(credits, time.Now().UTC()); err != nil {
		return nil, err
	}

	for productID, qty := range refunded {
		for i := range sale.Lines {
			if sale.Lines[i].ProductID == productID {
				sale.Lines[i].QuantityRefunded += qty
			}
		}
	}
	// Clamp and status derivation happen here, inside the critical section,
	// so a stale caller snapshot can never push amount_refunded past total.
	remaining := sale.Total.Sub(sale.AmountRefunded)
	if amount.GreaterThan(remaining) {
		amount = remaining
	}
	sale.AmountRefunded = sale.AmountRefunded.Add(amount)
	sale.Status = domain.SaleStatusRefundedPartial
	if sale.AmountRefunded.GreaterThanOrEqual(sale.Total) {
		sale.Status = domain.SaleStatusRefundedFull
	}
	return cloneSale(sale), nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.StoreID == "" || len(ret.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if ret.ID == "" {
		ret.ID = uuid.NewString()
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = now
	}
	if ret.Status == "" {
		ret.Status = domain.ReturnStatusPending
	}
	for i := range ret.Lines {
		if ret.Lines[i].ID == "" {
			ret.Lines[i].ID = uuid.NewString()
		}
		ret.Lines[i].ReturnID = ret.ID
	}

	saved := cloneReturn(&ret)
	s.returnsByID[ret.ID] = saved
	return cloneReturn(saved), nil
}

func (s *Store) GetReturn(_ context.Context, returnID string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReturn(ret), nil
}

func (s *Store) ResolveReturn(_ context.Context, returnID, status, rejectReason, processedBy string, credits []domain.StockMutation, at time.Time) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusPending {
		return nil, store.ErrConflict
	}
	if err := s.applyMutationsLocked(credits, at); err != nil {
		return nil, err
	}

	ret.Status = status
	ret.RejectReason = rejectReason
	ret.ProcessedBy = processedBy
	ret.ResolvedAt = &at
	return cloneReturn(ret), nil
}

func (s *Store) CreateLayaway(_ context.Context, layaway domain.Layaway) (*domain.Layaway, error) {
	if layaway.StoreID == "" || len(layaway.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reserving every item is part of the same critical section as
	// persisting the layaway, so a failed reservation leaves nothing.
	for _, item := range layaway.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		rec := s.getOrCreateStockLocked(layaway.StoreID, item.ProductID)
		if rec.OnHand-rec.Reserved < item.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}
	now := time.Now().UTC()
	for _, item := range layaway.Items {
		key := stockKey(layaway.StoreID, item.ProductID)
		rec := s.stockByKey[key]
		rec.Reserved += item.Quantity
		rec.UpdatedAt = now
		s.stockByKey[key] = rec
	}

	if layaway.ID == "" {
		layaway.ID = uuid.NewString()
	}
	if layaway.CreatedAt.IsZero() {
		layaway.CreatedAt = now
	}
	layaway.Status = domain.LayawayStatusActive

	saved := cloneLayaway(&layaway)
	s.layawaysByID[layaway.ID] = saved
	return cloneLayaway(saved), nil
}

func (s *Store) GetLayaway(_ context.Context, layawayID string) (*domain.Layaway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	layaway, ok := s.layawaysByID[layawayID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneLayaway(layaway), nil
}

func (s *Store) ResolveLayaway(_ context.Context, layawayID, status string, debits []domain.StockMutation, at time.Time) (*domain.Layaway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	layaway, ok := s.layawaysByID[layawayID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if layaway.Status != domain.LayawayStatusActive {
		return nil, store.ErrConflict
	}
	if err := s.checkMutationsLocked(debits); err != nil {
		return nil, err
	}

	// Release reservations first so the fulfillment debit does not trip
	// over its own hold.
	for _, item := range layaway.Items {
		key := stockKey(layaway.StoreID, item.ProductID)
		rec := s.stockByKey[key]
		rec.Reserved -= item.Quantity
		if rec.Reserved < 0 {
			rec.Reserved = 0
		}
		rec.UpdatedAt = at
		s.stockByKey[key] = rec
	}
	if err := s.applyMutationsLocked(debits, at); err != nil {
		return nil, err
	}

	layaway.Status = status
	layaway.ResolvedAt = &at
	return cloneLayaway(layaway), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.LineItem, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	payments := make([]domain.Payment, len(src.Payments))
	copy(payments, src.Payments)
	dup.Payments = payments
	return &dup
}

func cloneReturn(src *domain.Return) *domain.Return {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.ReturnLineItem, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	return &dup
}

func cloneLayaway(src *domain.Layaway) *domain.Layaway {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.LayawayItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
