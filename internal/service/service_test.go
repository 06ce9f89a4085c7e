package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/discount"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/store/memory"
)

func newTestService() (*Service, store.Repository) {
	repo := memory.New()
	svc := New(repo, discount.NewEvaluator(), nil, "main-store", decimal.NewFromInt(10))
	return svc, repo
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "manager", Role: domain.RoleManager})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir", Role: domain.RoleCashier})
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func zeroTax() *decimal.Decimal {
	z := decimal.Zero
	return &z
}

func seedProduct(t *testing.T, svc *Service, sku, price string, stock int) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(managerCtx(), domain.Product{
		SKU:       sku,
		Name:      "Produk " + sku,
		UnitPrice: dec(price),
	}, stock)
	if err != nil {
		t.Fatalf("seed product %s: %v", sku, err)
	}
	return product
}

func TestSaleHappyPathDebitsStockAndLedger(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-A", "9.00", 10)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 3}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("27.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if !sale.Subtotal.Equal(dec("27.00")) {
		t.Fatalf("expected subtotal 27.00, got %s", sale.Subtotal)
	}
	if sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected status completed, got %s", sale.Status)
	}

	rec, err := repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if rec.OnHand != 7 {
		t.Fatalf("expected on hand 7 after sale, got %d", rec.OnHand)
	}

	entries, err := repo.ListLedgerEntries(context.Background(), "main-store", product.ID, 10)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	sum := 0
	sawSale := false
	for _, entry := range entries {
		sum += entry.Delta
		if entry.Kind == domain.LedgerKindSale && entry.Delta == -3 && entry.Reference == sale.ID {
			sawSale = true
		}
	}
	if !sawSale {
		t.Fatalf("expected a sale ledger entry with delta -3 referencing the sale")
	}
	if sum != rec.OnHand {
		t.Fatalf("ledger sum %d does not reconcile with on hand %d", sum, rec.OnHand)
	}
}

func TestSaleInsufficientStockLeavesNoTrace(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-B", "5.00", 2)

	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 5}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("25.00")}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	rec, err := repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if rec.OnHand != 2 {
		t.Fatalf("expected on hand unchanged at 2, got %d", rec.OnHand)
	}

	entries, err := repo.ListLedgerEntries(context.Background(), "main-store", product.ID, 10)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the opening stock entry, got %d entries", len(entries))
	}
}

func TestSalePaymentsMustMatchTotal(t *testing.T) {
	svc, _ := newTestService()
	product := seedProduct(t, svc, "SKU-C", "10.00", 5)

	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 1}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("9.00")}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for short payment, got %v", err)
	}
}

func TestSaleWithPercentageDiscountAndTax(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-D", "50.00", 10)

	now := time.Now().UTC()
	created, err := repo.CreateDiscount(context.Background(), domain.Discount{
		StoreID:  "main-store",
		Code:     "HEMAT10",
		Name:     "Diskon 10 persen",
		Type:     domain.DiscountPercentage,
		Value:    dec("10"),
		StartsAt: now.Add(-time.Hour),
		EndsAt:   now.Add(time.Hour),
		Active:   true,
	})
	if err != nil {
		t.Fatalf("create discount: %v", err)
	}

	taxRate := dec("10")
	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 2}},
		DiscountCode:   "HEMAT10",
		TaxRatePercent: &taxRate,
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("99.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// 100.00 subtotal, 10.00 discount, 9.00 tax on the 90.00 base.
	if !sale.DiscountAmount.Equal(dec("10.00")) {
		t.Fatalf("expected discount 10.00, got %s", sale.DiscountAmount)
	}
	if !sale.TaxAmount.Equal(dec("9.00")) {
		t.Fatalf("expected tax 9.00, got %s", sale.TaxAmount)
	}
	if !sale.Total.Equal(dec("99.00")) {
		t.Fatalf("expected total 99.00, got %s", sale.Total)
	}

	updated, err := repo.GetDiscountByCode(context.Background(), "main-store", "HEMAT10")
	if err != nil {
		t.Fatalf("reload discount: %v", err)
	}
	if updated.TimesUsed != created.TimesUsed+1 {
		t.Fatalf("expected times used to increment, got %d", updated.TimesUsed)
	}
}

func TestValidateDiscountCode(t *testing.T) {
	svc, repo := newTestService()

	now := time.Now().UTC()
	if _, err := repo.CreateDiscount(context.Background(), domain.Discount{
		StoreID:  "main-store",
		Code:     "AKTIF",
		Name:     "Kode aktif",
		Type:     domain.DiscountFixed,
		Value:    dec("5.00"),
		StartsAt: now.Add(-time.Hour),
		EndsAt:   now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create discount: %v", err)
	}
	if _, err := repo.CreateDiscount(context.Background(), domain.Discount{
		StoreID:  "main-store",
		Code:     "LAMA",
		Name:     "Kode kedaluwarsa",
		Type:     domain.DiscountFixed,
		Value:    dec("5.00"),
		StartsAt: now.Add(-48 * time.Hour),
		EndsAt:   now.Add(-24 * time.Hour),
	}); err != nil {
		t.Fatalf("create expired discount: %v", err)
	}

	d, err := svc.ValidateDiscountCode(context.Background(), "", "AKTIF")
	if err != nil {
		t.Fatalf("validate active code: %v", err)
	}
	if d.Code != "AKTIF" {
		t.Fatalf("expected code AKTIF, got %s", d.Code)
	}

	if _, err := svc.ValidateDiscountCode(context.Background(), "", "TIDAKADA"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown code, got %v", err)
	}
	if _, err := svc.ValidateDiscountCode(context.Background(), "", "LAMA"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for expired code, got %v", err)
	}
}

func TestVoidSaleRestoresStock(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-E", "4.00", 10)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 4}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("16.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	voided, err := svc.VoidSale(managerCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "wrong items"})
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided {
		t.Fatalf("expected status voided, got %s", voided.Status)
	}
	if voided.VoidedAt == nil {
		t.Fatalf("expected voided_at to be set")
	}

	rec, _ := repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 10 {
		t.Fatalf("expected stock restored to 10, got %d", rec.OnHand)
	}

	entries, _ := repo.ListLedgerEntries(context.Background(), "main-store", product.ID, 10)
	sawCredit := false
	sum := 0
	for _, entry := range entries {
		sum += entry.Delta
		if entry.Reference == "VOID-"+sale.ID && entry.Delta == 4 && entry.Kind == domain.LedgerKindReturn {
			sawCredit = true
		}
	}
	if !sawCredit {
		t.Fatalf("expected a VOID credit ledger entry")
	}
	if sum != rec.OnHand {
		t.Fatalf("ledger sum %d does not reconcile with on hand %d", sum, rec.OnHand)
	}

	if _, err := svc.VoidSale(managerCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "again"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on double void, got %v", err)
	}
}

func TestVoidSaleRequiresManager(t *testing.T) {
	svc, _ := newTestService()
	product := seedProduct(t, svc, "SKU-F", "2.00", 5)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 1}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("2.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.VoidSale(cashierCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "oops"}); err == nil {
		t.Fatalf("expected cashier void to be rejected")
	}
}

func TestPartialThenFullRefund(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-G", "10.00", 10)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 4}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("40.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	partial, err := svc.RefundSale(managerCtx(), domain.RefundRequest{
		SaleID: sale.ID,
		Reason: "damaged unit",
		Lines:  []domain.RefundLine{{ProductID: product.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}
	if partial.Status != domain.SaleStatusRefundedPartial {
		t.Fatalf("expected refunded_partial, got %s", partial.Status)
	}
	if !partial.AmountRefunded.Equal(dec("10.00")) {
		t.Fatalf("expected amount refunded 10.00, got %s", partial.AmountRefunded)
	}

	full, err := svc.RefundSale(managerCtx(), domain.RefundRequest{
		SaleID: sale.ID,
		Reason: "customer changed mind",
		Lines:  []domain.RefundLine{{ProductID: product.ID, Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("full refund failed: %v", err)
	}
	if full.Status != domain.SaleStatusRefundedFull {
		t.Fatalf("expected refunded_full, got %s", full.Status)
	}
	if !full.AmountRefunded.Equal(full.Total) {
		t.Fatalf("expected amount refunded %s to equal total, got %s", full.Total, full.AmountRefunded)
	}

	rec, _ := repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 10 {
		t.Fatalf("expected stock back at 10 after full refund, got %d", rec.OnHand)
	}

	_, err = svc.RefundSale(managerCtx(), domain.RefundRequest{
		SaleID: sale.ID,
		Reason: "over",
		Lines:  []domain.RefundLine{{ProductID: product.ID, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict refunding beyond purchased quantity, got %v", err)
	}
}

func TestRefundCannotExceedPurchasedQuantity(t *testing.T) {
	svc, _ := newTestService()
	product := seedProduct(t, svc, "SKU-H", "7.00", 10)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 2}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("14.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	_, err = svc.RefundSale(managerCtx(), domain.RefundRequest{
		SaleID: sale.ID,
		Reason: "too many",
		Lines:  []domain.RefundLine{{ProductID: product.ID, Quantity: 3}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReturnLifecycleTiedToSale(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-I", "12.00", 10)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 3}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("36.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	ret, err := svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		SaleID: sale.ID,
		Reason: "defective",
		Lines:  []domain.ReturnLine{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create return failed: %v", err)
	}
	if ret.Status != domain.ReturnStatusPending {
		t.Fatalf("expected pending return, got %s", ret.Status)
	}
	if !ret.RefundTotal.Equal(dec("24.00")) {
		t.Fatalf("expected refund total 24.00 at sale price, got %s", ret.RefundTotal)
	}

	// Pending returns have not restocked anything yet.
	rec, _ := repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 7 {
		t.Fatalf("expected on hand 7 while return pending, got %d", rec.OnHand)
	}

	approved, err := svc.ApproveReturn(managerCtx(), ret.ID)
	if err != nil {
		t.Fatalf("approve return failed: %v", err)
	}
	if approved.Status != domain.ReturnStatusCompleted {
		t.Fatalf("expected completed return, got %s", approved.Status)
	}

	rec, _ = repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 9 {
		t.Fatalf("expected on hand 9 after approval, got %d", rec.OnHand)
	}

	entries, _ := repo.ListLedgerEntries(context.Background(), "main-store", product.ID, 10)
	sawReturn := false
	for _, entry := range entries {
		if entry.Reference == "RETURN-"+ret.ID && entry.Delta == 2 {
			sawReturn = true
		}
	}
	if !sawReturn {
		t.Fatalf("expected RETURN ledger credit after approval")
	}

	if _, err := svc.ApproveReturn(managerCtx(), ret.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict approving a resolved return, got %v", err)
	}
}

func TestRejectedReturnDoesNotRestock(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-J", "3.00", 6)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 2}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("6.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	ret, err := svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		SaleID: sale.ID,
		Reason: "buyer remorse",
		Lines:  []domain.ReturnLine{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create return failed: %v", err)
	}

	rejected, err := svc.RejectReturn(managerCtx(), ret.ID, "items used")
	if err != nil {
		t.Fatalf("reject return failed: %v", err)
	}
	if rejected.Status != domain.ReturnStatusRejected {
		t.Fatalf("expected rejected status, got %s", rejected.Status)
	}
	if rejected.RejectReason != "items used" {
		t.Fatalf("expected reject reason recorded, got %q", rejected.RejectReason)
	}

	rec, _ := repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 4 {
		t.Fatalf("expected on hand unchanged at 4, got %d", rec.OnHand)
	}
}

func TestTiedReturnCannotTargetAnotherStore(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-X", "5.00", 10)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 2}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("10.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	_, err = svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		StoreID: "other-store",
		SaleID:  sale.ID,
		Reason:  "wrong branch",
		Lines:   []domain.ReturnLine{{ProductID: product.ID, Quantity: 2}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for return against another store's sale, got %v", err)
	}

	// The foreign store must not have grown a phantom stock row balance.
	rec, _ := repo.GetOrCreateStock(context.Background(), "other-store", product.ID)
	if rec.OnHand != 0 || rec.Reserved != 0 {
		t.Fatalf("expected other-store untouched, got on_hand=%d reserved=%d", rec.OnHand, rec.Reserved)
	}

	// Leaving the store blank inherits the selling store, and approval
	// restocks it there.
	ret, err := svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		SaleID: sale.ID,
		Reason: "defective",
		Lines:  []domain.ReturnLine{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create return failed: %v", err)
	}
	if ret.StoreID != "main-store" {
		t.Fatalf("expected return stamped with the sale's store, got %q", ret.StoreID)
	}
	if _, err := svc.ApproveReturn(managerCtx(), ret.ID); err != nil {
		t.Fatalf("approve return failed: %v", err)
	}
	rec, _ = repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 10 {
		t.Fatalf("expected selling store restocked to 10, got %d", rec.OnHand)
	}
}

func TestReturnOutsideWindowRejected(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-Y", "12.00", 5)

	staleCreatedAt := time.Now().UTC().Add(-61 * 24 * time.Hour)
	sale, err := repo.CreateSale(context.Background(), domain.Sale{
		StoreID:         "main-store",
		CashierUsername: "kasir",
		Status:          domain.SaleStatusCompleted,
		Subtotal:        dec("12.00"),
		Total:           dec("12.00"),
		CreatedAt:       staleCreatedAt,
		Lines: []domain.LineItem{{
			ProductID: product.ID,
			SKU:       product.SKU,
			Name:      product.Name,
			Quantity:  1,
			UnitPrice: dec("12.00"),
			LineTotal: dec("12.00"),
		}},
		Payments: []domain.Payment{{Method: domain.PaymentMethodCash, Amount: dec("12.00")}},
	}, nil, nil, "")
	if err != nil {
		t.Fatalf("seed backdated sale: %v", err)
	}

	_, err = svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		SaleID: sale.ID,
		Reason: "too late",
		Lines:  []domain.ReturnLine{{ProductID: product.ID, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict outside the return window, got %v", err)
	}
}

func TestStaleRefundSnapshotsCannotOvershootTotal(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-Z", "10.00", 10)

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 4}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("40.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// Two refunds computed from the same pre-commit read each claim 30.00
	// of a 40.00 sale. The repository must clamp the second against the
	// balance it holds locked, not the amount the caller derived.
	first, err := repo.ApplyRefund(context.Background(), sale.ID, map[string]int{product.ID: 2}, dec("30.00"), nil)
	if err != nil {
		t.Fatalf("first refund failed: %v", err)
	}
	if !first.AmountRefunded.Equal(dec("30.00")) || first.Status != domain.SaleStatusRefundedPartial {
		t.Fatalf("expected 30.00 partial after first refund, got %s %s", first.AmountRefunded, first.Status)
	}

	second, err := repo.ApplyRefund(context.Background(), sale.ID, map[string]int{product.ID: 2}, dec("30.00"), nil)
	if err != nil {
		t.Fatalf("second refund failed: %v", err)
	}
	if !second.AmountRefunded.Equal(second.Total) {
		t.Fatalf("expected amount refunded clamped to total %s, got %s", second.Total, second.AmountRefunded)
	}
	if second.Status != domain.SaleStatusRefundedFull {
		t.Fatalf("expected refunded_full once the balance is exhausted, got %s", second.Status)
	}
}

func TestUntiedReturnUsesCatalogPrice(t *testing.T) {
	svc, _ := newTestService()
	product := seedProduct(t, svc, "SKU-K", "8.50", 5)

	ret, err := svc.CreateReturn(cashierCtx(), domain.ReturnRequest{
		Reason: "no receipt",
		Lines:  []domain.ReturnLine{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create return failed: %v", err)
	}
	if !ret.RefundTotal.Equal(dec("17.00")) {
		t.Fatalf("expected refund total 17.00 at catalog price, got %s", ret.RefundTotal)
	}
}

func TestLayawayReservesAndFulfills(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-L", "20.00", 10)

	layaway, err := svc.CreateLayaway(cashierCtx(), domain.LayawayRequest{
		Items: []domain.CartLine{{ProductID: product.ID, Quantity: 4}},
	})
	if err != nil {
		t.Fatalf("create layaway failed: %v", err)
	}
	if layaway.Status != domain.LayawayStatusActive {
		t.Fatalf("expected active layaway, got %s", layaway.Status)
	}

	rec, _ := repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 10 || rec.Reserved != 4 {
		t.Fatalf("expected on hand 10 reserved 4, got %d/%d", rec.OnHand, rec.Reserved)
	}
	if rec.AvailableQuantity() != 6 {
		t.Fatalf("expected available 6, got %d", rec.AvailableQuantity())
	}

	// A sale against the remaining availability must respect the hold.
	_, err = svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 7}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("140.00")}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected reservation to block oversale, got %v", err)
	}

	fulfilled, err := svc.FulfillLayaway(cashierCtx(), layaway.ID)
	if err != nil {
		t.Fatalf("fulfill layaway failed: %v", err)
	}
	if fulfilled.Status != domain.LayawayStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", fulfilled.Status)
	}

	rec, _ = repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 6 || rec.Reserved != 0 {
		t.Fatalf("expected on hand 6 reserved 0 after fulfillment, got %d/%d", rec.OnHand, rec.Reserved)
	}

	entries, _ := repo.ListLedgerEntries(context.Background(), "main-store", product.ID, 10)
	sawFulfill := false
	sum := 0
	for _, entry := range entries {
		sum += entry.Delta
		if entry.Kind == domain.LedgerKindLayawayFulfill && entry.Delta == -4 {
			sawFulfill = true
		}
	}
	if !sawFulfill {
		t.Fatalf("expected layaway_fulfill ledger entry")
	}
	if sum != rec.OnHand {
		t.Fatalf("ledger sum %d does not reconcile with on hand %d", sum, rec.OnHand)
	}
}

func TestLayawayCancelReleasesReservation(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-M", "15.00", 5)

	layaway, err := svc.CreateLayaway(cashierCtx(), domain.LayawayRequest{
		Items: []domain.CartLine{{ProductID: product.ID, Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("create layaway failed: %v", err)
	}

	cancelled, err := svc.CancelLayaway(cashierCtx(), layaway.ID)
	if err != nil {
		t.Fatalf("cancel layaway failed: %v", err)
	}
	if cancelled.Status != domain.LayawayStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	rec, _ := repo.GetOrCreateStock(context.Background(), "main-store", product.ID)
	if rec.OnHand != 5 || rec.Reserved != 0 {
		t.Fatalf("expected on hand 5 reserved 0 after cancel, got %d/%d", rec.OnHand, rec.Reserved)
	}

	if _, err := svc.FulfillLayaway(cashierCtx(), layaway.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict fulfilling a cancelled layaway, got %v", err)
	}
}

func TestLoyaltyAccruesOnSaleAndSurvivesRefund(t *testing.T) {
	svc, repo := newTestService()
	product := seedProduct(t, svc, "SKU-N", "75.25", 10)

	customer, err := svc.CreateCustomer(cashierCtx(), domain.Customer{
		Name:  "Budi Santoso",
		Phone: "081234567890",
	})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		CustomerID:     customer.ID,
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 2}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("150.50")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	reloaded, err := repo.GetCustomer(context.Background(), "main-store", customer.ID)
	if err != nil {
		t.Fatalf("reload customer: %v", err)
	}
	if reloaded.LoyaltyPoints != 150 {
		t.Fatalf("expected 150 loyalty points, got %d", reloaded.LoyaltyPoints)
	}
	if !reloaded.TotalSpent.Equal(dec("150.50")) {
		t.Fatalf("expected total spent 150.50, got %s", reloaded.TotalSpent)
	}

	if _, err := svc.RefundSale(managerCtx(), domain.RefundRequest{
		SaleID: sale.ID,
		Reason: "partial",
		Lines:  []domain.RefundLine{{ProductID: product.ID, Quantity: 1}},
	}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	reloaded, _ = repo.GetCustomer(context.Background(), "main-store", customer.ID)
	if reloaded.LoyaltyPoints != 150 {
		t.Fatalf("loyalty points must not be clawed back, got %d", reloaded.LoyaltyPoints)
	}
}

func TestAdjustInventoryKindsAndRoles(t *testing.T) {
	svc, _ := newTestService()
	product := seedProduct(t, svc, "SKU-O", "5.00", 10)

	if _, err := svc.AdjustInventory(cashierCtx(), domain.AdjustInventoryRequest{
		ProductID: product.ID,
		Delta:     5,
		Kind:      domain.LedgerKindAdjustment,
	}); err == nil {
		t.Fatalf("expected cashier adjustment to be rejected")
	}

	if _, err := svc.AdjustInventory(managerCtx(), domain.AdjustInventoryRequest{
		ProductID: product.ID,
		Delta:     3,
		Kind:      domain.LedgerKindDamage,
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected positive damage delta to be rejected, got %v", err)
	}

	rec, err := svc.AdjustInventory(managerCtx(), domain.AdjustInventoryRequest{
		ProductID: product.ID,
		Delta:     -2,
		Kind:      domain.LedgerKindDamage,
		Note:      "dropped pallet",
	})
	if err != nil {
		t.Fatalf("damage adjustment failed: %v", err)
	}
	if rec.OnHand != 8 {
		t.Fatalf("expected on hand 8, got %d", rec.OnHand)
	}

	if _, err := svc.AdjustInventory(managerCtx(), domain.AdjustInventoryRequest{
		ProductID: product.ID,
		Delta:     -100,
		Kind:      domain.LedgerKindAdjustment,
	}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock driving balance negative, got %v", err)
	}
}

func TestLowStockReport(t *testing.T) {
	svc, _ := newTestService()
	low, err := svc.CreateProduct(managerCtx(), domain.Product{
		SKU:          "SKU-LOW",
		Name:         "Produk Menipis",
		UnitPrice:    dec("4.00"),
		ReorderLevel: 10,
	}, 3)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := svc.CreateProduct(managerCtx(), domain.Product{
		SKU:          "SKU-OK",
		Name:         "Produk Aman",
		UnitPrice:    dec("4.00"),
		ReorderLevel: 10,
	}, 50); err != nil {
		t.Fatalf("create product: %v", err)
	}

	items, err := svc.LowStockReport(cashierCtx(), "")
	if err != nil {
		t.Fatalf("low stock report failed: %v", err)
	}
	if len(items) != 1 || items[0].ProductID != low.ID {
		t.Fatalf("expected only the low product in report, got %+v", items)
	}
}

// mapCache is a trivial ReceiptCache for observing invalidation.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.Receipt
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]domain.Receipt{}}
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.Receipt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &receipt, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.Receipt, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func TestReceiptCachedAndInvalidatedByVoid(t *testing.T) {
	repo := memory.New()
	receipts := newMapCache()
	svc := New(repo, discount.NewEvaluator(), receipts, "main-store", decimal.NewFromInt(10))

	product, err := svc.CreateProduct(managerCtx(), domain.Product{
		SKU:       "SKU-P",
		Name:      "Produk Struk",
		UnitPrice: dec("6.00"),
	}, 5)
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 1}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("6.00")}},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	first, err := svc.GetReceipt(cashierCtx(), sale.ID)
	if err != nil {
		t.Fatalf("get receipt failed: %v", err)
	}
	if first.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected completed receipt, got %s", first.Status)
	}

	again, err := svc.GetReceipt(cashierCtx(), sale.ID)
	if err != nil {
		t.Fatalf("second get receipt failed: %v", err)
	}
	if again.Total.String() != first.Total.String() {
		t.Fatalf("expected identical cached receipt")
	}

	if _, err := svc.VoidSale(managerCtx(), domain.VoidSaleRequest{SaleID: sale.ID, Reason: "mistake"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	fresh, err := svc.GetReceipt(cashierCtx(), sale.ID)
	if err != nil {
		t.Fatalf("get receipt after void failed: %v", err)
	}
	if fresh.Status != domain.SaleStatusVoided {
		t.Fatalf("expected voided receipt after invalidation, got %s", fresh.Status)
	}
}

func TestSalePriceOverrideRequiresManager(t *testing.T) {
	svc, _ := newTestService()
	product := seedProduct(t, svc, "SKU-Q", "10.00", 5)

	override := dec("1.00")
	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 1, UnitPrice: &override}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("1.00")}},
	})
	if err == nil {
		t.Fatalf("expected cashier price override to be rejected")
	}

	sale, err := svc.CreateSale(managerCtx(), domain.SaleRequest{
		Lines:          []domain.CartLine{{ProductID: product.ID, Quantity: 1, UnitPrice: &override}},
		TaxRatePercent: zeroTax(),
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, Amount: dec("1.00")}},
	})
	if err != nil {
		t.Fatalf("manager override failed: %v", err)
	}
	if !sale.Total.Equal(dec("1.00")) {
		t.Fatalf("expected overridden total 1.00, got %s", sale.Total)
	}
}
