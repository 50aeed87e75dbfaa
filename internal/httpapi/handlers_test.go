package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger/memory"
	"dukapos/backend/internal/report"
	"dukapos/backend/internal/retention"
	"dukapos/backend/internal/reversal"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/syncer"
	"dukapos/backend/internal/xid"
)

// newTestAPI builds a full API over an in-memory ledger with a loopback peer
// named "hub", so handler tests exercise the complete request path including
// sync and retention.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	store := memory.NewSeeded()
	hub := memory.New()
	ids := xid.NewGenerator("till-1")

	engine := syncer.NewEngine(store, cache.NewMemoryTokenCache(), ids.DeviceID())
	engine.AddPeer("hub", &syncer.LoopbackTransport{PeerID: "hub", Store: hub})

	svc := service.New(
		store,
		ids,
		reversal.NewEngine(store, ids),
		engine,
		report.NewAggregator(store),
		retention.NewManager(store, "hub"),
	)
	auth := NewAuthManager("test-secret-key", time.Hour, store)

	return New(svc, auth, "*", "test-sync-key")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

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
	if body["device_id"] != "till-1" {
		t.Fatalf("expected device_id till-1, got %v", body["device_id"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(domain.LoginRequest{Cashier: "manager", PIN: "1234"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" || body.Role != "manager" {
		t.Fatalf("unexpected login response: %+v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(domain.LoginRequest{Cashier: "manager", PIN: "0000"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleSales_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader([]byte(`{"lines":[]}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// submitSale posts a one-line sale as the given token and returns the created
// entry.
func submitSale(t *testing.T, api *API, token, csrf string) domain.Entry {
	t.Helper()

	payload, _ := json.Marshal(domain.SaleRequest{
		Lines: []domain.SaleLine{
			{ProductRef: "sku-coffee", Qty: 2, UnitPrice: decimal.RequireFromString("125.00")},
		},
		PaymentMethod: "cash",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp domain.SaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode sale response: %v", err)
	}
	return resp.Entry
}

func TestHandleSales_CreatesEntry(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "5678")
	csrf := fetchCSRFToken(t, api)

	entry := submitSale(t, api, token, csrf)
	if entry.Kind != domain.KindTransaction || entry.DeviceID != "till-1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if !entry.Transaction.Total.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("total = %s, want 250.00", entry.Transaction.Total)
	}

	// The entry must be readable back with its derived status.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/"+entry.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get transaction: %d %s", rec.Code, rec.Body.String())
	}
	var view domain.TransactionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != domain.TxStatusCompleted {
		t.Fatalf("status = %q, want completed", view.Status)
	}
}

func TestHandleReverse_FullFlow(t *testing.T) {
	api := newTestAPI(t)
	managerToken := loginAs(t, api, "manager", "1234")
	csrf := fetchCSRFToken(t, api)

	entry := submitSale(t, api, managerToken, csrf)

	payload, _ := json.Marshal(map[string]string{
		"reason":      "wrong item",
		"manager_pin": "1234",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions/"+entry.ID+"/reverse", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+managerToken)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("reverse failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.ReversalResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode reversal response: %v", err)
	}
	if resp.Duplicate || resp.Entry.Kind != domain.KindReversal {
		t.Fatalf("unexpected reversal response: %+v", resp)
	}

	// Status flips to reversed.
	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/"+entry.ID, nil)
	getReq.Header.Set("Authorization", "Bearer "+managerToken)
	getRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(getRec, getReq)
	var view domain.TransactionView
	if err := json.NewDecoder(getRec.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != domain.TxStatusReversed || view.ReversalID != resp.Entry.ID {
		t.Fatalf("view = %+v", view)
	}
}

func TestHandleReverse_CashierForbidden(t *testing.T) {
	api := newTestAPI(t)
	cashierToken := loginAs(t, api, "cashier", "5678")
	csrf := fetchCSRFToken(t, api)

	entry := submitSale(t, api, cashierToken, csrf)

	payload, _ := json.Marshal(map[string]string{
		"reason":      "test",
		"manager_pin": "1234", // a valid pin does not rescue a cashier token
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions/"+entry.ID+"/reverse", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cashierToken)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSyncPushPull_PeerSurface(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "5678")
	csrf := fetchCSRFToken(t, api)
	entry := submitSale(t, api, token, csrf)

	// Without the shared key the peer surface is closed.
	noKey := httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull", nil)
	noKeyRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(noKeyRec, noKey)
	if noKeyRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without sync key, got %d", noKeyRec.Code)
	}

	pull := httptest.NewRequest(http.MethodGet, "/api/v1/sync/pull?limit=10", nil)
	pull.Header.Set("X-Sync-Key", "test-sync-key")
	pullRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(pullRec, pull)
	if pullRec.Code != http.StatusOK {
		t.Fatalf("pull failed: %d %s", pullRec.Code, pullRec.Body.String())
	}
	var pulled struct {
		Entries []domain.Entry `json:"entries"`
	}
	if err := json.NewDecoder(pullRec.Body).Decode(&pulled); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	if len(pulled.Entries) != 1 || pulled.Entries[0].ID != entry.ID {
		t.Fatalf("pulled = %+v", pulled.Entries)
	}

	// Pushing the same entry back is a no-op union merge and still acks it.
	pushPayload, _ := json.Marshal(map[string]any{
		"device_id": "till-2",
		"entries":   pulled.Entries,
	})
	push := httptest.NewRequest(http.MethodPost, "/api/v1/sync/push", bytes.NewReader(pushPayload))
	push.Header.Set("Content-Type", "application/json")
	push.Header.Set("X-Sync-Key", "test-sync-key")
	pushRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(pushRec, push)
	if pushRec.Code != http.StatusOK {
		t.Fatalf("push failed: %d %s", pushRec.Code, pushRec.Body.String())
	}
	var pushed struct {
		AcceptedIDs []string `json:"accepted_ids"`
	}
	if err := json.NewDecoder(pushRec.Body).Decode(&pushed); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	if len(pushed.AcceptedIDs) != 1 || pushed.AcceptedIDs[0] != entry.ID {
		t.Fatalf("accepted = %v", pushed.AcceptedIDs)
	}
}

func TestHandleSyncRunAndDevices(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "5678")
	csrf := fetchCSRFToken(t, api)
	submitSale(t, api, token, csrf)

	run := httptest.NewRequest(http.MethodPost, "/api/v1/sync/run", nil)
	run.Header.Set("Authorization", "Bearer "+token)
	run.Header.Set("X-CSRF-Token", csrf)
	runRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(runRec, run)
	if runRec.Code != http.StatusOK {
		t.Fatalf("sync run failed: %d %s", runRec.Code, runRec.Body.String())
	}

	devices := httptest.NewRequest(http.MethodGet, "/api/v1/sync/devices", nil)
	devices.Header.Set("Authorization", "Bearer "+token)
	devRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(devRec, devices)
	if devRec.Code != http.StatusOK {
		t.Fatalf("devices failed: %d %s", devRec.Code, devRec.Body.String())
	}
	var body struct {
		Devices []domain.DeviceStatus `json:"devices"`
	}
	if err := json.NewDecoder(devRec.Body).Decode(&body); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(body.Devices) < 2 {
		t.Fatalf("expected local device plus hub, got %+v", body.Devices)
	}
}

func TestHandleClosingReportFormats(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "5678")
	csrf := fetchCSRFToken(t, api)
	submitSale(t, api, token, csrf)

	jsonReq := httptest.NewRequest(http.MethodGet, "/api/v1/reports/closing", nil)
	jsonReq.Header.Set("Authorization", "Bearer "+token)
	jsonRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(jsonRec, jsonReq)
	if jsonRec.Code != http.StatusOK {
		t.Fatalf("closing report failed: %d %s", jsonRec.Code, jsonRec.Body.String())
	}
	var rpt domain.ClosingReport
	if err := json.NewDecoder(jsonRec.Body).Decode(&rpt); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rpt.TransactionCount != 1 || !rpt.GrossSales.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("report = %+v", rpt)
	}

	csvReq := httptest.NewRequest(http.MethodGet, "/api/v1/reports/closing?format=csv", nil)
	csvReq.Header.Set("Authorization", "Bearer "+token)
	csvRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(csvRec, csvReq)
	if csvRec.Code != http.StatusOK {
		t.Fatalf("csv report failed: %d", csvRec.Code)
	}
	if ct := csvRec.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("csv content-type = %q", ct)
	}
	if !bytes.Contains(csvRec.Body.Bytes(), []byte("gross_sales,250")) {
		t.Fatalf("csv missing gross sales: %s", csvRec.Body.String())
	}

	printReq := httptest.NewRequest(http.MethodGet, "/api/v1/reports/closing?format=print", nil)
	printReq.Header.Set("Authorization", "Bearer "+token)
	printRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(printRec, printReq)
	if printRec.Code != http.StatusOK {
		t.Fatalf("print report failed: %d", printRec.Code)
	}
	if !bytes.Contains(printRec.Body.Bytes(), []byte("Closing Report")) {
		t.Fatalf("printable report missing heading")
	}
}

func TestHandleRetention_ManagerOnly(t *testing.T) {
	api := newTestAPI(t)
	cashierToken := loginAs(t, api, "cashier", "5678")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/retention/candidates", nil)
	req.Header.Set("Authorization", "Bearer "+cashierToken)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}
}

func TestHandleCashiers_CreateAndList(t *testing.T) {
	api := newTestAPI(t)
	managerToken := loginAs(t, api, "manager", "1234")
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.CashierCreateRequest{Name: "till-3", PIN: "9876"})
	create := httptest.NewRequest(http.MethodPost, "/api/v1/users/cashiers", bytes.NewReader(payload))
	create.Header.Set("Content-Type", "application/json")
	create.Header.Set("Authorization", "Bearer "+managerToken)
	create.Header.Set("X-CSRF-Token", csrf)
	createRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(createRec, create)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create cashier failed: %d %s", createRec.Code, createRec.Body.String())
	}

	list := httptest.NewRequest(http.MethodGet, "/api/v1/users/cashiers", nil)
	list.Header.Set("Authorization", "Bearer "+managerToken)
	listRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(listRec, list)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list cashiers failed: %d", listRec.Code)
	}
	var body struct {
		Cashiers []domain.CashierUser `json:"cashiers"`
	}
	if err := json.NewDecoder(listRec.Body).Decode(&body); err != nil {
		t.Fatalf("decode cashiers: %v", err)
	}
	if len(body.Cashiers) != 3 {
		t.Fatalf("expected 3 cashiers, got %+v", body.Cashiers)
	}
}
