package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

// Store is the PostgreSQL Repository. Every mutating method runs in a
// serializable transaction; stock rows touched by a debit are locked with
// SELECT ... FOR UPDATE before availability is re-checked, so two
// concurrent debits of the same (store, product) row serialize and the
// second sees the first's decrement.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListCategories(ctx context.Context, storeID string) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, name, COALESCE(description,''), created_at
		FROM categories
		WHERE ($1 = '' OR store_id = $1)
		ORDER BY name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.StoreID, &c.Name, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" || category.StoreID == "" {
		return nil, store.ErrInvalidInput
	}
	if category.ID == "" {
		category.ID = uuid.NewString()
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, store_id, name, description, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, category.ID, category.StoreID, category.Name, nullIfEmpty(category.Description), category.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := category
	return &created, nil
}

const productColumns = `id, store_id, COALESCE(category_id,''), sku, name, COALESCE(description,''),
	unit_price, cost_price, tax_rate, reorder_level, active, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.StoreID, &p.CategoryID, &p.SKU, &p.Name, &p.Description,
		&p.UnitPrice, &p.CostPrice, &p.TaxRate, &p.ReorderLevel, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, storeID string, activeOnly bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 = '' OR store_id = $1) AND ($2 = false OR active = true)
		ORDER BY name
	`, storeID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, storeID, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND ($2 = '' OR store_id = $2)
	`, productID, storeID)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, storeID, sku string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = $1 AND sku = $2
	`, storeID, sku)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if product.StoreID == "" || product.SKU == "" || product.Name == "" || !product.UnitPrice.IsPositive() {
		return nil, store.ErrInvalidInput
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, store_id, category_id, sku, name, description, unit_price, cost_price,
			tax_rate, reorder_level, active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, product.ID, product.StoreID, nullIfEmpty(product.CategoryID), product.SKU, product.Name,
		nullIfEmpty(product.Description), product.UnitPrice, product.CostPrice, product.TaxRate,
		product.ReorderLevel, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || !product.UnitPrice.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	product.UpdatedAt = time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET category_id = $2, name = $3, description = $4, unit_price = $5, cost_price = $6,
			tax_rate = $7, reorder_level = $8, active = $9, updated_at = $10
		WHERE id = $1
		RETURNING `+productColumns+`
	`, product.ID, nullIfEmpty(product.CategoryID), product.Name, nullIfEmpty(product.Description),
		product.UnitPrice, product.CostPrice, product.TaxRate, product.ReorderLevel, product.Active,
		product.UpdatedAt)
	updated, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return updated, nil
}

const customerColumns = `id, store_id, name, phone, COALESCE(email,''), loyalty_points, total_spent, created_at`

func scanCustomer(row interface{ Scan(...any) error }) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone, &c.Email, &c.LoyaltyPoints, &c.TotalSpent, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) GetCustomer(ctx context.Context, storeID, customerID string) (*domain.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1 AND ($2 = '' OR store_id = $2)
	`, customerID, storeID)
	c, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) FindCustomerByPhone(ctx context.Context, storeID, phone string) (*domain.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE store_id = $1 AND phone = $2
	`, storeID, phone)
	c, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.StoreID == "" || customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, store_id, name, phone, email, loyalty_points, total_spent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, customer.ID, customer.StoreID, customer.Name, customer.Phone, nullIfEmpty(customer.Email),
		customer.LoyaltyPoints, customer.TotalSpent, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) SearchCustomers(ctx context.Context, storeID, query string, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 50
	}
	pattern := "%" + strings.TrimSpace(query) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE ($1 = '' OR store_id = $1)
			AND (name ILIKE $2 OR phone LIKE $2)
		ORDER BY name
		LIMIT $3
	`, storeID, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, limit)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

const discountColumns = `id, store_id, code, name, type, value, buy_quantity, get_quantity,
	COALESCE(product_id,''), starts_at, ends_at, max_uses, times_used, active, created_at`

func scanDiscount(row interface{ Scan(...any) error }) (*domain.Discount, error) {
	var d domain.Discount
	err := row.Scan(&d.ID, &d.StoreID, &d.Code, &d.Name, &d.Type, &d.Value, &d.BuyQuantity, &d.GetQuantity,
		&d.ProductID, &d.StartsAt, &d.EndsAt, &d.MaxUses, &d.TimesUsed, &d.Active, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.StartsAt = d.StartsAt.UTC()
	d.EndsAt = d.EndsAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func (s *Store) ListDiscounts(ctx context.Context, storeID string, activeOnly bool) ([]domain.Discount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+discountColumns+`
		FROM discounts
		WHERE ($1 = '' OR store_id = $1) AND ($2 = false OR active = true)
		ORDER BY code
	`, storeID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	discounts := make([]domain.Discount, 0, 16)
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		discounts = append(discounts, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return discounts, nil
}

func (s *Store) GetDiscountByCode(ctx context.Context, storeID, code string) (*domain.Discount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+discountColumns+`
		FROM discounts
		WHERE store_id = $1 AND upper(code) = upper($2)
	`, storeID, code)
	d, err := scanDiscount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *Store) CreateDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error) {
	discount.Code = strings.ToUpper(strings.TrimSpace(discount.Code))
	if discount.StoreID == "" || discount.Code == "" || discount.Type == "" {
		return nil, store.ErrInvalidInput
	}
	if !discount.EndsAt.After(discount.StartsAt) {
		return nil, store.ErrInvalidInput
	}
	if discount.ID == "" {
		discount.ID = uuid.NewString()
	}
	if discount.CreatedAt.IsZero() {
		discount.CreatedAt = time.Now().UTC()
	}
	discount.Active = true
	discount.TimesUsed = 0

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discounts (
			id, store_id, code, name, type, value, buy_quantity, get_quantity, product_id,
			starts_at, ends_at, max_uses, times_used, active, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, discount.ID, discount.StoreID, discount.Code, discount.Name, discount.Type, discount.Value,
		discount.BuyQuantity, discount.GetQuantity, nullIfEmpty(discount.ProductID),
		discount.StartsAt, discount.EndsAt, discount.MaxUses, discount.TimesUsed, discount.Active,
		discount.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := discount
	return &created, nil
}

// ensureStockRow lazily creates the zeroed stock row so a later FOR UPDATE
// always has something to lock.
func ensureStockRow(ctx context.Context, tx *sql.Tx, storeID, productID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_records (store_id, product_id, on_hand, reserved, updated_at)
		VALUES ($1,$2,0,0,now())
		ON CONFLICT (store_id, product_id) DO NOTHING
	`, storeID, productID)
	return err
}

func lockStockRow(ctx context.Context, tx *sql.Tx, storeID, productID string) (*domain.StockRecord, error) {
	if err := ensureStockRow(ctx, tx, storeID, productID); err != nil {
		return nil, err
	}
	var rec domain.StockRecord
	err := tx.QueryRowContext(ctx, `
		SELECT store_id, product_id, on_hand, reserved, updated_at
		FROM stock_records
		WHERE store_id = $1 AND product_id = $2
		FOR UPDATE
	`, storeID, productID).Scan(&rec.StoreID, &rec.ProductID, &rec.OnHand, &rec.Reserved, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// applyMutations locks every touched stock row, checks that no projected
// balance goes negative, then applies the deltas and appends one ledger
// entry per mutation. The caller's transaction is the atomic scope.
func applyMutations(ctx context.Context, tx *sql.Tx, muts []domain.StockMutation, at time.Time) error {
	projected := map[string]int{}
	for _, mut := range muts {
		if mut.StoreID == "" || mut.ProductID == "" || mut.Delta == 0 || !domain.ValidLedgerKind(mut.Kind) {
			return store.ErrInvalidInput
		}
		key := mut.StoreID + "::" + mut.ProductID
		if _, ok := projected[key]; !ok {
			rec, err := lockStockRow(ctx, tx, mut.StoreID, mut.ProductID)
			if err != nil {
				return err
			}
			projected[key] = rec.OnHand
		}
		projected[key] += mut.Delta
		if projected[key] < 0 {
			return store.ErrInsufficientStock
		}
	}

	for _, mut := range muts {
		_, err := tx.ExecContext(ctx, `
			UPDATE stock_records
			SET on_hand = on_hand + $3, updated_at = $4
			WHERE store_id = $1 AND product_id = $2
		`, mut.StoreID, mut.ProductID, mut.Delta, at)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, store_id, product_id, delta, kind, reference, actor, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, uuid.NewString(), mut.StoreID, mut.ProductID, mut.Delta, mut.Kind,
			nullIfEmpty(mut.Reference), mut.Actor, nullIfEmpty(mut.Note), at)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetOrCreateStock(ctx context.Context, storeID, productID string) (*domain.StockRecord, error) {
	if storeID == "" || productID == "" {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockStockRow(ctx, tx, storeID, productID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) AdjustStock(ctx context.Context, mut domain.StockMutation) (*domain.StockRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	at := time.Now().UTC()
	if err := applyMutations(ctx, tx, []domain.StockMutation{mut}, at); err != nil {
		return nil, err
	}

	var rec domain.StockRecord
	err = tx.QueryRowContext(ctx, `
		SELECT store_id, product_id, on_hand, reserved, updated_at
		FROM stock_records
		WHERE store_id = $1 AND product_id = $2
	`, mut.StoreID, mut.ProductID).Scan(&rec.StoreID, &rec.ProductID, &rec.OnHand, &rec.Reserved, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (s *Store) ReserveStock(ctx context.Context, storeID, productID string, qty int) (*domain.StockRecord, error) {
	if qty < 1 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockStockRow(ctx, tx, storeID, productID)
	if err != nil {
		return nil, err
	}
	if rec.OnHand-rec.Reserved < qty {
		return nil, store.ErrInsufficientStock
	}
	rec.Reserved += qty
	rec.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE stock_records
		SET reserved = $3, updated_at = $4
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID, rec.Reserved, rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ReleaseStock(ctx context.Context, storeID, productID string, qty int) (*domain.StockRecord, error) {
	if qty < 1 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockStockRow(ctx, tx, storeID, productID)
	if err != nil {
		return nil, err
	}
	rec.Reserved -= qty
	if rec.Reserved < 0 {
		rec.Reserved = 0
	}
	rec.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE stock_records
		SET reserved = $3, updated_at = $4
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID, rec.Reserved, rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, storeID, productID string, limit int) ([]domain.LedgerEntry, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, product_id, delta, kind, COALESCE(reference,''), actor, COALESCE(note,''), created_at
		FROM ledger_entries
		WHERE store_id = $1 AND product_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, storeID, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.StoreID, &e.ProductID, &e.Delta, &e.Kind, &e.Reference, &e.Actor, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListLowStock(ctx context.Context, storeID string) ([]domain.LowStockItem, error) {
	// LEFT JOIN so never-stocked products still show with on_hand 0.
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sku, p.name, COALESCE(sr.on_hand, 0), p.reorder_level
		FROM products p
		LEFT JOIN stock_records sr ON sr.store_id = p.store_id AND sr.product_id = p.id
		WHERE p.store_id = $1 AND p.active = true AND p.reorder_level > 0
			AND COALESCE(sr.on_hand, 0) < p.reorder_level
		ORDER BY COALESCE(sr.on_hand, 0), p.sku
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LowStockItem, 0, 16)
	for rows.Next() {
		var item domain.LowStockItem
		if err := rows.Scan(&item.ProductID, &item.SKU, &item.Name, &item.OnHand, &item.ReorderLevel); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, debits []domain.StockMutation, loyalty *domain.Customer, discountID string) (*domain.Sale, error) {
	if len(sale.Lines) == 0 || len(sale.Payments) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if err := applyMutations(ctx, tx, debits, now); err != nil {
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, store_id, customer_id, cashier_username, status, subtotal, discount_id,
			discount_amount, tax_rate, tax_amount, total, amount_refunded,
			void_reason, voided_at, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULL,NULL,$13)
	`, sale.ID, sale.StoreID, nullIfEmpty(sale.CustomerID), sale.CashierUsername, sale.Status,
		sale.Subtotal, nullIfEmpty(sale.DiscountID), sale.DiscountAmount, sale.TaxRate,
		sale.TaxAmount, sale.Total, sale.AmountRefunded, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for i := range sale.Lines {
		line := &sale.Lines[i]
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		line.SaleID = sale.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_line_items (
				id, sale_id, product_id, sku, name, quantity, unit_price, line_total, quantity_refunded
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0)
		`, line.ID, sale.ID, line.ProductID, line.SKU, line.Name, line.Quantity, line.UnitPrice, line.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	for i := range sale.Payments {
		p := &sale.Payments[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.SaleID = sale.ID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, sale_id, method, amount, reference, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, p.ID, sale.ID, p.Method, p.Amount, nullIfEmpty(p.Reference), p.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	if loyalty != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE customers
			SET loyalty_points = loyalty_points + $2, total_spent = total_spent + $3
			WHERE id = $1
		`, loyalty.ID, sale.Subtotal.IntPart(), sale.Subtotal)
		if err != nil {
			return nil, err
		}
	}
	if discountID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE discounts
			SET times_used = times_used + 1
			WHERE id = $1
		`, discountID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

const saleColumns = `id, store_id, COALESCE(customer_id,''), cashier_username, status, subtotal,
	COALESCE(discount_id,''), discount_amount, tax_rate, tax_amount, total, amount_refunded,
	COALESCE(void_reason,''), voided_at, created_at`

func scanSale(row interface{ Scan(...any) error }) (*domain.Sale, error) {
	var sale domain.Sale
	var voidedAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.StoreID, &sale.CustomerID, &sale.CashierUsername, &sale.Status,
		&sale.Subtotal, &sale.DiscountID, &sale.DiscountAmount, &sale.TaxRate, &sale.TaxAmount,
		&sale.Total, &sale.AmountRefunded, &sale.VoidReason, &voidedAt, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) loadSaleChildren(ctx context.Context, sale *domain.Sale) error {
	lineRows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, sku, name, quantity, unit_price, line_total, quantity_refunded
		FROM sale_line_items
		WHERE sale_id = $1
		ORDER BY id
	`, sale.ID)
	if err != nil {
		return err
	}
	lines := make([]domain.LineItem, 0, 8)
	for lineRows.Next() {
		var line domain.LineItem
		if err := lineRows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.SKU, &line.Name,
			&line.Quantity, &line.UnitPrice, &line.LineTotal, &line.QuantityRefunded); err != nil {
			_ = lineRows.Close()
			return err
		}
		lines = append(lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return err
	}
	_ = lineRows.Close()
	sale.Lines = lines

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, method, amount, COALESCE(reference,''), created_at
		FROM payments
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, sale.ID)
	if err != nil {
		return err
	}
	payments := make([]domain.Payment, 0, 2)
	for paymentRows.Next() {
		var p domain.Payment
		if err := paymentRows.Scan(&p.ID, &p.SaleID, &p.Method, &p.Amount, &p.Reference, &p.CreatedAt); err != nil {
			_ = paymentRows.Close()
			return err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return err
	}
	_ = paymentRows.Close()
	sale.Payments = payments
	return nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
	`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := s.loadSaleChildren(ctx, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR store_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range sales {
		if err := s.loadSaleChildren(ctx, &sales[i]); err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) VoidSale(ctx context.Context, saleID, reason string, credits []domain.StockMutation, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusCompleted {
		return nil, store.ErrConflict
	}

	if err := applyMutations(ctx, tx, credits, at); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1
	`, saleID, domain.SaleStatusVoided, reason, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, saleID)
}

func (s *Store) ApplyRefund(ctx context.Context, saleID string, refunded map[string]int, amount decimal.Decimal, credits []domain.StockMutation) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var currentStatus string
	var total, alreadyRefundedAmount decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT status, total, amount_refunded
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&currentStatus, &total, &alreadyRefundedAmount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	switch currentStatus {
	case domain.SaleStatusCompleted, domain.SaleStatusRefundedPartial:
	default:
		return nil, store.ErrConflict
	}

	for productID, qty := range refunded {
		var quantity, alreadyRefunded int
		err = tx.QueryRowContext(ctx, `
			SELECT quantity, quantity_refunded
			FROM sale_line_items
			WHERE sale_id = $1 AND product_id = $2
			FOR UPDATE
		`, saleID, productID).Scan(&quantity, &alreadyRefunded)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if alreadyRefunded+qty > quantity {
			return nil, store.ErrConflict
		}
	}

	if err := applyMutations(ctx, tx, credits, time.Now().UTC()); err != nil {
		return nil, err
	}

	for productID, qty := range refunded {
		_, err = tx.ExecContext(ctx, `
			UPDATE sale_line_items
			SET quantity_refunded = quantity_refunded + $3
			WHERE sale_id = $1 AND product_id = $2
		`, saleID, productID, qty)
		if err != nil {
			return nil, err
		}
	}

	// Clamp against the locked row, not a caller snapshot, so concurrent
	// refunds cannot overshoot the sale total between read and write.
	remaining := total.Sub(alreadyRefundedAmount)
	if amount.GreaterThan(remaining) {
		amount = remaining
	}
	refundedTotal := alreadyRefundedAmount.Add(amount)
	status := domain.SaleStatusRefundedPartial
	if refundedTotal.GreaterThanOrEqual(total) {
		status = domain.SaleStatusRefundedFull
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET amount_refunded = $2, status = $3
		WHERE id = $1
	`, saleID, refundedTotal, status)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, saleID)
}

const returnColumns = `id, store_id, COALESCE(sale_id,''), COALESCE(customer_id,''), status, reason,
	COALESCE(reject_reason,''), refund_total, COALESCE(processed_by,''), created_at, resolved_at`

func scanReturn(row interface{ Scan(...any) error }) (*domain.Return, error) {
	var ret domain.Return
	var resolvedAt sql.NullTime
	err := row.Scan(&ret.ID, &ret.StoreID, &ret.SaleID, &ret.CustomerID, &ret.Status, &ret.Reason,
		&ret.RejectReason, &ret.RefundTotal, &ret.ProcessedBy, &ret.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		ret.ResolvedAt = &at
	}
	ret.CreatedAt = ret.CreatedAt.UTC()
	return &ret, nil
}

func (s *Store) loadReturnLines(ctx context.Context, ret *domain.Return) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, return_id, product_id, quantity, unit_price, line_total
		FROM return_line_items
		WHERE return_id = $1
		ORDER BY id
	`, ret.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	lines := make([]domain.ReturnLineItem, 0, 4)
	for rows.Next() {
		var line domain.ReturnLineItem
		if err := rows.Scan(&line.ID, &line.ReturnID, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.LineTotal); err != nil {
			return err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	ret.Lines = lines
	return nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.StoreID == "" || len(ret.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if ret.ID == "" {
		ret.ID = uuid.NewString()
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}
	if ret.Status == "" {
		ret.Status = domain.ReturnStatusPending
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO returns (
			id, store_id, sale_id, customer_id, status, reason, reject_reason,
			refund_total, processed_by, created_at, resolved_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,NULL,$7,NULL,$8,NULL)
	`, ret.ID, ret.StoreID, nullIfEmpty(ret.SaleID), nullIfEmpty(ret.CustomerID), ret.Status,
		ret.Reason, ret.RefundTotal, ret.CreatedAt)
	if err != nil {
		return nil, err
	}

	for i := range ret.Lines {
		line := &ret.Lines[i]
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		line.ReturnID = ret.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO return_line_items (id, return_id, product_id, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, line.ID, ret.ID, line.ProductID, line.Quantity, line.UnitPrice, line.LineTotal)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := ret
	return &saved, nil
}

func (s *Store) GetReturn(ctx context.Context, returnID string) (*domain.Return, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+returnColumns+`
		FROM returns
		WHERE id = $1
	`, returnID)
	ret, err := scanReturn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := s.loadReturnLines(ctx, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) ResolveReturn(ctx context.Context, returnID, status, rejectReason, processedBy string, credits []domain.StockMutation, at time.Time) (*domain.Return, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var currentStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM returns
		WHERE id = $1
		FOR UPDATE
	`, returnID).Scan(&currentStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if currentStatus != domain.ReturnStatusPending {
		return nil, store.ErrConflict
	}

	if err := applyMutations(ctx, tx, credits, at); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE returns
		SET status = $2, reject_reason = $3, processed_by = $4, resolved_at = $5
		WHERE id = $1
	`, returnID, status, nullIfEmpty(rejectReason), nullIfEmpty(processedBy), at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReturn(ctx, returnID)
}

func (s *Store) CreateLayaway(ctx context.Context, layaway domain.Layaway) (*domain.Layaway, error) {
	if layaway.StoreID == "" || len(layaway.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if layaway.ID == "" {
		layaway.ID = uuid.NewString()
	}
	if layaway.CreatedAt.IsZero() {
		layaway.CreatedAt = time.Now().UTC()
	}
	layaway.Status = domain.LayawayStatusActive

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, item := range layaway.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		rec, err := lockStockRow(ctx, tx, layaway.StoreID, item.ProductID)
		if err != nil {
			return nil, err
		}
		if rec.OnHand-rec.Reserved < item.Quantity {
			return nil, store.ErrInsufficientStock
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE stock_records
			SET reserved = reserved + $3, updated_at = $4
			WHERE store_id = $1 AND product_id = $2
		`, layaway.StoreID, item.ProductID, item.Quantity, now)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO layaways (id, store_id, customer_id, status, total, created_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULL)
	`, layaway.ID, layaway.StoreID, nullIfEmpty(layaway.CustomerID), layaway.Status, layaway.Total, layaway.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, item := range layaway.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO layaway_items (layaway_id, product_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4)
		`, layaway.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := layaway
	return &saved, nil
}

func (s *Store) GetLayaway(ctx context.Context, layawayID string) (*domain.Layaway, error) {
	var layaway domain.Layaway
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, COALESCE(customer_id,''), status, total, created_at, resolved_at
		FROM layaways
		WHERE id = $1
	`, layawayID).Scan(&layaway.ID, &layaway.StoreID, &layaway.CustomerID, &layaway.Status,
		&layaway.Total, &layaway.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		layaway.ResolvedAt = &at
	}
	layaway.CreatedAt = layaway.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price
		FROM layaway_items
		WHERE layaway_id = $1
	`, layawayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LayawayItem, 0, 4)
	for rows.Next() {
		var item domain.LayawayItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	layaway.Items = items
	return &layaway, nil
}

func (s *Store) ResolveLayaway(ctx context.Context, layawayID, status string, debits []domain.StockMutation, at time.Time) (*domain.Layaway, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var currentStatus, storeID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, store_id
		FROM layaways
		WHERE id = $1
		FOR UPDATE
	`, layawayID).Scan(&currentStatus, &storeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if currentStatus != domain.LayawayStatusActive {
		return nil, store.ErrConflict
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM layaway_items
		WHERE layaway_id = $1
	`, layawayID)
	if err != nil {
		return nil, err
	}
	type held struct {
		productID string
		quantity  int
	}
	items := make([]held, 0, 4)
	for itemRows.Next() {
		var h held
		if err := itemRows.Scan(&h.productID, &h.quantity); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		items = append(items, h)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	// Release the reservation before debiting so the fulfillment debit
	// does not trip over its own hold.
	for _, item := range items {
		if _, err := lockStockRow(ctx, tx, storeID, item.productID); err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE stock_records
			SET reserved = GREATEST(reserved - $3, 0), updated_at = $4
			WHERE store_id = $1 AND product_id = $2
		`, storeID, item.productID, item.quantity, at)
		if err != nil {
			return nil, err
		}
	}

	if err := applyMutations(ctx, tx, debits, at); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE layaways
		SET status = $2, resolved_at = $3
		WHERE id = $1
	`, layawayID, status, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetLayaway(ctx, layawayID)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
