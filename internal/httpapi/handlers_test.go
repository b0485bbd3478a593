package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ferresys/backend/internal/cache"
	"ferresys/backend/internal/domain"
	"ferresys/backend/internal/fiscal"
	"ferresys/backend/internal/service"
	"ferresys/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopAlertCache{}, service.Options{})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)
	gen := fiscal.NewGenerator(fiscal.Emitter{Name: "Test Hardware", TaxID: "123", Address: "Main St"}, "F")

	return New(svc, auth, gen, "*")
}

func loginToken(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d (%s)", rec.Code, rec.Body.String())
	}
	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	return body.AccessToken
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token request failed: %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf body: %v", err)
	}
	return body["csrf_token"]
}

func authedRequest(t *testing.T, handler http.Handler, method string, path string, token string, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if payload != nil {
		raw, _ := json.Marshal(payload)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
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

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{"username": "admin", "password": "badpass"})
	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated failures, got %d", last)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/registers/open", token, "", domain.RegisterOpenRequest{OpeningFloatCents: 1000})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")
	csrf := csrfToken(t, handler)

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/registers/open", token, csrf, domain.RegisterOpenRequest{OpeningFloatCents: 50000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open register: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var opened domain.RegisterResponse
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode register: %v", err)
	}

	saleReq := domain.SaleCreateRequest{
		Customer: &domain.CustomerSnapshot{Identification: "CF", Names: "Consumidor", Surnames: "Final"},
		Items:    []domain.SaleItemRequest{{ProductID: "prod-martillo", Qty: 2}},
	}
	rec = authedRequest(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, saleReq)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var saleBody struct {
		Receipt domain.Receipt `json:"receipt"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&saleBody); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if saleBody.Receipt.Invoice == "" {
		t.Fatalf("expected invoice number on receipt")
	}
	if saleBody.Receipt.SubtotalCents != 2*8500 {
		t.Fatalf("expected subtotal 17000, got %d", saleBody.Receipt.SubtotalCents)
	}

	rec = authedRequest(t, handler, http.MethodGet, "/api/v1/sales/"+saleBody.Receipt.Invoice, token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = authedRequest(t, handler, http.MethodGet, "/api/v1/sales/"+saleBody.Receipt.Invoice+"/fiscal", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fiscal document: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var fiscalBody struct {
		Document fiscal.Document `json:"document"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&fiscalBody); err != nil {
		t.Fatalf("decode fiscal document: %v", err)
	}
	if fiscalBody.Document.Number != saleBody.Receipt.Invoice {
		t.Fatalf("expected fiscal document for invoice %s, got %s", saleBody.Receipt.Invoice, fiscalBody.Document.Number)
	}
	if fiscalBody.Document.EmitterName != "Test Hardware" {
		t.Fatalf("unexpected emitter: %s", fiscalBody.Document.EmitterName)
	}

	rec = authedRequest(t, handler, http.MethodPost, "/api/v1/registers/"+opened.Session.ID+"/close", token, csrf, domain.RegisterCloseRequest{ClosingCents: 70000})
	if rec.Code != http.StatusOK {
		t.Fatalf("close register: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var closed domain.RegisterResponse
	if err := json.NewDecoder(rec.Body).Decode(&closed); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if closed.TotalSalesCents != saleBody.Receipt.TotalCents {
		t.Fatalf("expected register total %d, got %d", saleBody.Receipt.TotalCents, closed.TotalSalesCents)
	}
}

func TestInsufficientStockMapsToConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")
	csrf := csrfToken(t, handler)

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/registers/open", token, csrf, domain.RegisterOpenRequest{OpeningFloatCents: 0})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open register: expected 201, got %d", rec.Code)
	}

	saleReq := domain.SaleCreateRequest{
		Customer: &domain.CustomerSnapshot{Identification: "CF", Names: "Consumidor"},
		Items:    []domain.SaleItemRequest{{ProductID: "prod-taladro", Qty: 999}},
	}
	rec = authedRequest(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, saleReq)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestInventoryAlertsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := authedRequest(t, handler, http.MethodGet, "/api/v1/inventory/alerts", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body domain.InventoryAlertResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if body.GeneratedAt == "" {
		t.Fatalf("expected generated_at timestamp")
	}
}

func TestUnknownErrorsAreRedacted(t *testing.T) {
	driverErr := errors.New(`pq: duplicate key value violates unique constraint "sales_invoice_key" (SQLSTATE 40001) host=10.0.0.5`)

	status := errorStatus(driverErr)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected unrecognized error to map to 500, got %d", status)
	}

	rec := httptest.NewRecorder()
	writeError(rec, status, driverErr)

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal server error" {
		t.Fatalf("expected generic message, got %q", body["error"])
	}
	if strings.Contains(body["error"], "SQLSTATE") {
		t.Fatalf("storage detail leaked to client: %q", body["error"])
	}
}

func TestKardexEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := authedRequest(t, handler, http.MethodGet, "/api/v1/products/prod-clavos/kardex", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("kardex: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Kardex domain.Kardex `json:"kardex"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode kardex: %v", err)
	}
	if body.Kardex.DerivedStock != body.Kardex.Stock {
		t.Fatalf("kardex diverged: derived=%d stock=%d", body.Kardex.DerivedStock, body.Kardex.Stock)
	}
}
