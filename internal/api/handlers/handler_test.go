package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/langchou/csms/internal/models"
	"github.com/langchou/csms/internal/ocpp"
	"github.com/langchou/csms/internal/repository"
	"github.com/langchou/csms/internal/service"
	"github.com/langchou/csms/internal/session"
	"github.com/langchou/csms/pkg/ws"
)

type fakeCentral struct {
	sessions []session.Info
	reply    json.RawMessage
	err      error
	action   string
}

func (f *fakeCentral) Sessions() []session.Info { return f.sessions }

func (f *fakeCentral) Call(ctx context.Context, chargePointID, action string, payload interface{}) (json.RawMessage, error) {
	f.action = action
	return f.reply, f.err
}

func newTestRouter(t *testing.T, store Reader, central CentralSystem, middleware ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(zap.NewNop(), store, central, ws.NewHub(zap.NewNop())).RegisterRoutes(r, middleware...)
	return r
}

func seedStore(t *testing.T) *repository.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	if err := store.UpsertChargePoint(ctx, &models.ChargePoint{ID: "CP_1", Vendor: "V", Model: "M"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertConnectorStatus(ctx, &models.Connector{
		ChargePointID: "CP_1", ConnectorID: 1, Status: models.ConnectorCharging, ErrorCode: "NoError", LastUpdate: time.Now(),
	}); err != nil {
		t.Fatalf("connector: %v", err)
	}
	for i := 0; i < 7; i++ {
		id, err := store.OpenTransaction(ctx, &models.Transaction{
			ChargePointID: "CP_1", ConnectorID: 1, IDTag: "TAG", MeterStart: 1000, StartTime: time.Now(),
		})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := store.CloseTransaction(ctx, &models.TransactionStop{
			TransactionID: id, ChargePointID: "CP_1", MeterStop: 2500, StopTime: time.Now(),
		}); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	return store
}

func do(r http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestListChargePoints(t *testing.T) {
	r := newTestRouter(t, seedStore(t), &fakeCentral{})

	rec := do(r, http.MethodGet, "/api/charge-points", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data []models.ChargePointSummary `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("expected 1 charge point, got %d", len(resp.Data))
	}
	cp := resp.Data[0]
	if cp.TotalKWh != 10.5 {
		t.Fatalf("total kwh = %v, want 10.5", cp.TotalKWh)
	}
	if len(cp.Connectors) != 1 || cp.Connectors[0].Status != models.ConnectorCharging {
		t.Fatalf("unexpected connectors: %+v", cp.Connectors)
	}
}

func TestGetChargePoint(t *testing.T) {
	central := &fakeCentral{sessions: []session.Info{{ChargePointID: "CP_1", State: "active"}}}
	r := newTestRouter(t, seedStore(t), central)

	rec := do(r, http.MethodGet, "/api/charge-points/CP_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"active"`) {
		t.Fatalf("session info missing: %s", rec.Body.String())
	}

	rec = do(r, http.MethodGet, "/api/charge-points/CP_404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListTransactionsPagination(t *testing.T) {
	r := newTestRouter(t, seedStore(t), &fakeCentral{})

	var resp struct {
		Data       []models.Transaction `json:"data"`
		Pagination struct {
			Page    int   `json:"page"`
			PerPage int   `json:"per_page"`
			Total   int64 `json:"total"`
		} `json:"pagination"`
	}

	rec := do(r, http.MethodGet, "/api/transactions", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != defaultPerPage || resp.Pagination.Total != 7 {
		t.Fatalf("unexpected page: %d rows, total %d", len(resp.Data), resp.Pagination.Total)
	}
	if resp.Data[0].ID != 7 {
		t.Fatalf("expected newest first, got id %d", resp.Data[0].ID)
	}

	rec = do(r, http.MethodGet, "/api/transactions?page=2&per_page=5", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 2 || resp.Pagination.Page != 2 {
		t.Fatalf("unexpected second page: %d rows, page %d", len(resp.Data), resp.Pagination.Page)
	}

	rec = do(r, http.MethodGet, "/api/transactions?per_page=1000", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pagination.PerPage != maxPerPage {
		t.Fatalf("per_page = %d, want %d", resp.Pagination.PerPage, maxPerPage)
	}
}

// countFailingStore 计数查询失败
type countFailingStore struct {
	*repository.MemoryStore
}

func (countFailingStore) CountTransactions(ctx context.Context) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestListTransactionsCountError(t *testing.T) {
	r := newTestRouter(t, countFailingStore{seedStore(t)}, &fakeCentral{})

	rec := do(r, http.MethodGet, "/api/transactions", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSendCall(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"not connected", service.ErrNotConnected, http.StatusNotFound},
		{"timeout", session.ErrCallTimeout, http.StatusGatewayTimeout},
		{"closed", session.ErrSessionClosed, http.StatusConflict},
		{"call error", ocpp.NewError(ocpp.NotImplemented, "nope"), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			central := &fakeCentral{reply: json.RawMessage(`{"status":"Accepted"}`), err: tt.err}
			r := newTestRouter(t, repository.NewMemoryStore(), central)

			rec := do(r, http.MethodPost, "/api/charge-points/CP_1/call", `{"action":"Reset","payload":{"type":"Soft"}}`)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.status, rec.Body.String())
			}
			if central.action != "Reset" {
				t.Fatalf("action = %q", central.action)
			}
		})
	}

	r := newTestRouter(t, repository.NewMemoryStore(), &fakeCentral{})
	if rec := do(r, http.MethodPost, "/api/charge-points/CP_1/call", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing action status = %d", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(t, repository.NewMemoryStore(), &fakeCentral{})
	rec := do(r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}

func signToken(t *testing.T, secret []byte, role string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("test-secret")
	central := &fakeCentral{reply: json.RawMessage(`{}`)}
	r := newTestRouter(t, repository.NewMemoryStore(), central, AuthMiddleware(secret))

	if rec := do(r, http.MethodGet, "/api/sessions", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}

	viewer := signToken(t, secret, RoleViewer, time.Now().Add(time.Hour))
	if rec := do(r, http.MethodGet, "/api/sessions", "", "Authorization", "Bearer "+viewer); rec.Code != http.StatusOK {
		t.Fatalf("viewer GET status = %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/api/charge-points/CP_1/call", `{"action":"Reset"}`, "Authorization", "Bearer "+viewer); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer POST status = %d", rec.Code)
	}

	operator := signToken(t, secret, RoleOperator, time.Now().Add(time.Hour))
	if rec := do(r, http.MethodPost, "/api/charge-points/CP_1/call", `{"action":"Reset"}`, "Authorization", "Bearer "+operator); rec.Code != http.StatusOK {
		t.Fatalf("operator POST status = %d", rec.Code)
	}

	expired := signToken(t, secret, RoleOperator, time.Now().Add(-time.Hour))
	if rec := do(r, http.MethodGet, "/api/sessions", "", "Authorization", "Bearer "+expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token status = %d", rec.Code)
	}

	forged := signToken(t, []byte("other"), RoleOperator, time.Now().Add(time.Hour))
	if rec := do(r, http.MethodGet, "/api/sessions", "", "Authorization", "Bearer "+forged); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d", rec.Code)
	}

	// 健康检查不受鉴权影响
	if rec := do(r, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}
