package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tokopos/backend/internal/discount"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/service"
	"tokopos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, discount.NewEvaluator(), nil, "main-store", decimal.NewFromInt(10))
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_MissingFieldsRejectedByValidator(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{"username": "admin"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestHandleInventoryAdjust_ForbiddenForCashier(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.AdjustInventoryRequest{
		StoreID:   "main-store",
		ProductID: "some-product",
		Delta:     5,
		Kind:      domain.LedgerKindAdjustment,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory/adjust", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier adjustment, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	// Find a seeded product to sell.
	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list products failed: %d", listRec.Code)
	}
	var listBody struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(listRec.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	if len(listBody.Products) == 0 {
		t.Fatalf("expected seeded products")
	}
	product := listBody.Products[0]

	// One unit at catalog price with the default 10% tax.
	unit := product.UnitPrice
	tax := unit.Mul(decimal.NewFromInt(10)).Div(decimal.NewFromInt(100)).Round(2)
	total := unit.Add(tax)

	salePayload, _ := json.Marshal(domain.SaleRequest{
		StoreID: "main-store",
		Lines:   []domain.CartLine{{ProductID: product.ID, Quantity: 1}},
		Payments: []domain.PaymentInput{
			{Method: domain.PaymentMethodCash, Amount: total},
		},
	})
	saleReq := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(salePayload))
	saleReq.Header.Set("Content-Type", "application/json")
	saleReq.Header.Set("Authorization", "Bearer "+token)
	saleReq.Header.Set("X-CSRF-Token", csrf)
	saleRec := httptest.NewRecorder()
	handler.ServeHTTP(saleRec, saleReq)
	if saleRec.Code != http.StatusCreated {
		t.Fatalf("create sale failed: %d (body: %s)", saleRec.Code, saleRec.Body.String())
	}

	var saleBody struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(saleRec.Body).Decode(&saleBody); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if saleBody.Sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected completed sale, got %s", saleBody.Sale.Status)
	}

	// Void with the manager PIN configured in newTestAPI.
	voidPayload, _ := json.Marshal(map[string]string{
		"reason":      "cashier error",
		"manager_pin": "123456",
	})
	voidReq := httptest.NewRequest(http.MethodPost, "/api/v1/sales/"+saleBody.Sale.ID+"/void", bytes.NewReader(voidPayload))
	voidReq.Header.Set("Content-Type", "application/json")
	voidReq.Header.Set("Authorization", "Bearer "+token)
	voidReq.Header.Set("X-CSRF-Token", csrf)
	voidRec := httptest.NewRecorder()
	handler.ServeHTTP(voidRec, voidReq)
	if voidRec.Code != http.StatusOK {
		t.Fatalf("void failed: %d (body: %s)", voidRec.Code, voidRec.Body.String())
	}

	var voidBody struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(voidRec.Body).Decode(&voidBody); err != nil {
		t.Fatalf("decode void response: %v", err)
	}
	if voidBody.Sale.Status != domain.SaleStatusVoided {
		t.Fatalf("expected voided sale, got %s", voidBody.Sale.Status)
	}

	// A second void of the same sale conflicts.
	revoidReq := httptest.NewRequest(http.MethodPost, "/api/v1/sales/"+saleBody.Sale.ID+"/void", bytes.NewReader(voidPayload))
	revoidReq.Header.Set("Content-Type", "application/json")
	revoidReq.Header.Set("Authorization", "Bearer "+token)
	revoidReq.Header.Set("X-CSRF-Token", csrf)
	revoidRec := httptest.NewRecorder()
	handler.ServeHTTP(revoidRec, revoidReq)
	if revoidRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double void, got %d (body: %s)", revoidRec.Code, revoidRec.Body.String())
	}
}

func TestHandleReceiptNotFound(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales/no-such-sale/receipt", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing sale receipt, got %d", rec.Code)
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("login as %s failed, status %d: %s", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if payload.AccessToken == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}
