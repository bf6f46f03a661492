package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/internal/engine"
	"github.com/marcosuma/trading-bot-sub000/internal/events"
	"github.com/marcosuma/trading-bot-sub000/internal/monitor"
	"github.com/marcosuma/trading-bot-sub000/internal/order"
	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// fakeEngine keeps operations in memory and records query limits.
type fakeEngine struct {
	ops       map[string]*db.TradingOperation
	health    string
	lastLimit int
	lastSize  string
	started   []engine.CreateOperationRequest
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{ops: map[string]*db.TradingOperation{}, health: "ok"}
}

func (f *fakeEngine) get(id string) (*db.TradingOperation, error) {
	op, ok := f.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrOperationNotFound, id)
	}
	return op, nil
}

func (f *fakeEngine) StartOperation(_ context.Context, req engine.CreateOperationRequest) (*db.TradingOperation, error) {
	if req.StrategyName == "nope" {
		return nil, fmt.Errorf("%w: unknown strategy", engine.ErrInvalidRequest)
	}
	f.started = append(f.started, req)
	op := &db.TradingOperation{ID: fmt.Sprintf("op-%d", len(f.started)), Asset: req.Asset, BarSizes: req.BarSizes, StrategyName: req.StrategyName, Status: db.OperationActive}
	f.ops[op.ID] = op
	return op, nil
}

func (f *fakeEngine) StopOperation(_ context.Context, id string) error {
	op, err := f.get(id)
	if err != nil {
		return err
	}
	op.Status = db.OperationClosed
	return nil
}

func (f *fakeEngine) PauseOperation(_ context.Context, id string) error {
	op, err := f.get(id)
	if err != nil {
		return err
	}
	if op.Status != db.OperationActive {
		return engine.ErrOperationNotActive
	}
	op.Status = db.OperationPaused
	return nil
}

func (f *fakeEngine) ResumeOperation(_ context.Context, id string) error {
	op, err := f.get(id)
	if err != nil {
		return err
	}
	if op.Status != db.OperationPaused {
		return engine.ErrNotPaused
	}
	op.Status = db.OperationActive
	return nil
}

func (f *fakeEngine) ClosePosition(_ context.Context, opID, posID string) (*db.Order, error) {
	if _, err := f.get(opID); err != nil {
		return nil, err
	}
	if posID != "p1" {
		return nil, order.ErrPositionNotFound
	}
	return &db.Order{ID: "o1", OperationID: opID, Action: db.ActionSell, Status: db.OrderPending}, nil
}

func (f *fakeEngine) CancelOrder(_ context.Context, opID, orderID string) (*db.Order, error) {
	if orderID == "done" {
		return nil, db.ErrOrderFinal
	}
	return &db.Order{ID: orderID, OperationID: opID, Status: db.OrderCancelled}, nil
}

func (f *fakeEngine) GetOperation(_ context.Context, id string) (*db.TradingOperation, error) {
	return f.get(id)
}

func (f *fakeEngine) ListOperations(_ context.Context, status string) ([]db.TradingOperation, error) {
	var out []db.TradingOperation
	for _, op := range f.ops {
		if status == "" || op.Status == status {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (f *fakeEngine) Positions(_ context.Context, id string, _ bool) ([]db.Position, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeEngine) Transactions(_ context.Context, id string, limit int) ([]db.Transaction, error) {
	f.lastLimit = limit
	_, err := f.get(id)
	return nil, err
}

func (f *fakeEngine) Trades(_ context.Context, id string, limit int) ([]db.Trade, error) {
	f.lastLimit = limit
	_, err := f.get(id)
	return nil, err
}

func (f *fakeEngine) Orders(_ context.Context, id, _ string, limit int) ([]db.Order, error) {
	f.lastLimit = limit
	_, err := f.get(id)
	return nil, err
}

func (f *fakeEngine) Bars(_ context.Context, id, barSize string, limit int) ([]db.Bar, error) {
	f.lastLimit, f.lastSize = limit, barSize
	_, err := f.get(id)
	return nil, err
}

func (f *fakeEngine) Journal(_ context.Context, id string, limit int) ([]db.JournalEntry, error) {
	f.lastLimit = limit
	_, err := f.get(id)
	return nil, err
}

func (f *fakeEngine) Stats(_ context.Context, id string) (*db.Stats, error) {
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return &db.Stats{OperationID: id}, nil
}

func (f *fakeEngine) OverallStats(context.Context) (*db.Stats, error) { return &db.Stats{}, nil }
func (f *fakeEngine) Strategies() []string                            { return []string{"ma_cross", "rsi"} }
func (f *fakeEngine) Metrics() monitor.MetricsSnapshot                { return monitor.MetricsSnapshot{} }
func (f *fakeEngine) Alerts(int, monitor.Severity) []monitor.Alert    { return nil }

func (f *fakeEngine) Health(context.Context) engine.HealthStatus {
	return engine.HealthStatus{Status: f.health, ServerTime: time.Now()}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fe := newFakeEngine()
	s := NewServer(fe, events.NewBus(), cfg, zap.NewNop())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, fe
}

func do(t *testing.T, s *Server, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestHealth(t *testing.T) {
	s, fe := newTestServer(t, Config{})

	w := do(t, s, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	fe.health = "degraded"
	w = do(t, s, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOperationLifecycle(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	w := do(t, s, http.MethodPost, "/api/operations", map[string]any{
		"asset":         "EUR_USD",
		"bar_sizes":     []string{"1 hour"},
		"strategy_name": "ma_cross",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var op db.TradingOperation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &op))
	assert.Equal(t, "EUR_USD", op.Asset)

	w = do(t, s, http.MethodPost, "/api/operations/"+op.ID+"/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodPost, "/api/operations/"+op.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", errorCode(t, w))

	w = do(t, s, http.MethodPost, "/api/operations/"+op.ID+"/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/operations?status=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Operations []db.TradingOperation `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Operations, 1)

	w = do(t, s, http.MethodDelete, "/api/operations/"+op.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodGet, "/api/operations/"+op.ID, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &op))
	assert.Equal(t, db.OperationClosed, op.Status)
}

func TestCreateOperationValidation(t *testing.T) {
	s, fe := newTestServer(t, Config{})

	w := do(t, s, http.MethodPost, "/api/operations", map[string]any{"asset": "EUR_USD"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PAYLOAD", errorCode(t, w))

	w = do(t, s, http.MethodPost, "/api/operations", map[string]any{
		"asset": "EUR_USD", "bar_sizes": []string{"1 hour"}, "strategy_name": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, w))
	assert.Empty(t, fe.started)
}

func TestErrorMapping(t *testing.T) {
	s, fe := newTestServer(t, Config{})
	fe.ops["op-1"] = &db.TradingOperation{ID: "op-1", Status: db.OperationActive}

	tests := []struct {
		method, path string
		status       int
		code         string
	}{
		{http.MethodGet, "/api/operations/missing", http.StatusNotFound, "OPERATION_NOT_FOUND"},
		{http.MethodGet, "/api/operations/missing/trades", http.StatusNotFound, "OPERATION_NOT_FOUND"},
		{http.MethodPost, "/api/operations/op-1/resume", http.StatusConflict, "INVALID_STATE"},
		{http.MethodPost, "/api/operations/op-1/positions/p9/close", http.StatusNotFound, "POSITION_NOT_FOUND"},
		{http.MethodPost, "/api/operations/op-1/orders/done/cancel", http.StatusConflict, "INVALID_STATE"},
		{http.MethodGet, "/api/operations?status=bogus", http.StatusBadRequest, "INVALID_QUERY"},
		{http.MethodGet, "/api/operations/op-1/orders?status=LOST", http.StatusBadRequest, "INVALID_QUERY"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestQueryLimits(t *testing.T) {
	s, fe := newTestServer(t, Config{})
	fe.ops["op-1"] = &db.TradingOperation{ID: "op-1", Status: db.OperationActive}

	w := do(t, s, http.MethodGet, "/api/operations/op-1/orders?limit=5000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1000, fe.lastLimit)

	w = do(t, s, http.MethodGet, "/api/operations/op-1/journal", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, fe.lastLimit)
	assert.JSONEq(t, `{"entries":[]}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/operations/op-1/bars?bar_size=4%20hours&limit=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20, fe.lastLimit)
	assert.Equal(t, "4 hours", fe.lastSize)
}

func TestAuthFlow(t *testing.T) {
	s, _ := newTestServer(t, Config{AuthEnabled: true, JWTSecret: "secret", APIKey: "key"})

	w := do(t, s, http.MethodGet, "/api/strategies", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "MISSING_TOKEN", errorCode(t, w))

	w = do(t, s, http.MethodPost, "/api/auth/token", map[string]string{"api_key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/api/auth/token", map[string]string{"api_key": "key"})
	require.Equal(t, http.StatusOK, w.Code)
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	w = do(t, s, http.MethodGet, "/api/strategies", nil, "Authorization", "Bearer "+tok.Token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"strategies":["ma_cross","rsi"]}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/strategies", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, w))

	// Health stays public for load balancers.
	w = do(t, s, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	token, err := generateToken(tokenSubject, "secret", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = parseToken(token, "secret")
	assert.Error(t, err)

	token, err = generateToken(tokenSubject, "secret", time.Now().Add(time.Minute))
	require.NoError(t, err)
	sub, err := parseToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, tokenSubject, sub)
	_, err = parseToken(token, "other")
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Config{RateLimit: 1})

	var last int
	for i := 0; i < 5; i++ {
		last = do(t, s, http.MethodGet, "/api/strategies", nil).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
