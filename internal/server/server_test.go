package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/crypto"
	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/escrow"
	"github.com/alanyoungcy/priceescrow/internal/metrics"
	"github.com/alanyoungcy/priceescrow/internal/oracle/oracletest"
	"github.com/alanyoungcy/priceescrow/internal/server/handler"
	"github.com/alanyoungcy/priceescrow/internal/service"
	"github.com/alanyoungcy/priceescrow/internal/store/memory"
)

const (
	testFeed   = "0xfeed"
	testAPIKey = "operator-key"

	aliceKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	bobKey   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

type mapPriceCache map[string]domain.PriceObservation

func (m mapPriceCache) SetObservation(_ context.Context, feedID string, obs domain.PriceObservation) error {
	m[feedID] = obs
	return nil
}

func (m mapPriceCache) GetObservation(_ context.Context, feedID string) (domain.PriceObservation, error) {
	obs, ok := m[feedID]
	if !ok {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	return obs, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (domain.RateDecision, error) {
	return domain.RateDecision{}, nil
}

type testEnv struct {
	t      *testing.T
	now    time.Time
	oracle *oracletest.Mock
	alice  *crypto.Signer
	bob    *crypto.Signer
	root   http.Handler
}

func newTestEnv(t *testing.T, cfg Config, opts Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &testEnv{
		t:      t,
		now:    time.Unix(1_700_000_000, 0).UTC(),
		oracle: oracletest.NewMock(testFeed),
	}
	var err error
	e.alice, err = crypto.NewSigner(aliceKey)
	require.NoError(t, err)
	e.bob, err = crypto.NewSigner(bobKey)
	require.NoError(t, err)

	m := metrics.New()
	svc := service.NewEscrowService(memory.New(), escrow.NewMachine(e.oracle, testFeed, 0), nil, nil, m, logger)
	prices := service.NewPriceService(mapPriceCache{testFeed: {Mantissa: 42, Exponent: -1, PublishTime: e.now}}, []string{testFeed}, 0)
	prices.SetNowFunc(func() time.Time { return e.now })

	handlers := Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Status:  handler.NewStatusHandler("server", testFeed, "memory", e.now),
		Escrows: handler.NewEscrowHandler(svc, logger),
		Custody: handler.NewCustodyHandler(svc, logger),
		Prices:  handler.NewPriceHandler(prices, logger),
		Metrics: m.Handler(),
	}
	opts.Metrics = m
	opts.Now = func() time.Time { return e.now }
	e.root = NewServer(cfg, handlers, opts, logger).Handler()
	e.oracle.SetPrice(10_000, -2)
	return e
}

func (e *testEnv) request(signer *crypto.Signer, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(e.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if signer != nil {
		hdrs, err := signer.RequestHeaders(method, path, string(raw), e.now)
		require.NoError(e.t, err)
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.root.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) deposit(account string, amount uint64) {
	e.t.Helper()
	rec := e.request(nil, http.MethodPost, "/api/custody/"+account+"/deposit",
		map[string]uint64{"amount": amount}, map[string]string{"X-API-Key": testAPIKey})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type escrowBody struct {
	Escrow domain.Escrow `json:"escrow"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, Config{APIKey: testAPIKey}, Options{})
	aliceAcct := e.alice.Address() + ":usdc"
	bobAcct := e.bob.Address() + ":usdc"
	e.deposit(aliceAcct, 5000)
	e.deposit(bobAcct, 5000)

	rec := e.request(e.alice, http.MethodPost, "/api/escrows", map[string]uint64{"seed": 7, "entry_fee": 1000}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[escrowBody](t, rec)
	assert.Equal(t, e.alice.Identity(), created.Escrow.Creator)
	assert.Equal(t, domain.EscrowInitialized, created.Escrow.Status)

	rec = e.request(e.alice, http.MethodPost, "/api/escrows/7/join", map[string]string{"side": "up", "custody": aliceAcct}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.request(e.bob, http.MethodPost, "/api/escrows/7/accept", map[string]string{"custody": bobAcct}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.EscrowAccepted, decode[escrowBody](t, rec).Escrow.Status)

	rec = e.request(e.alice, http.MethodPost, "/api/escrows/7/settle", map[string]string{"custody": aliceAcct}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "NotFinished", decode[errorBody](t, rec).Kind)

	e.oracle.SetPrice(10_500, -2)
	rec = e.request(e.bob, http.MethodPost, "/api/escrows/7/settle", map[string]string{"custody": bobAcct}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NotSide", decode[errorBody](t, rec).Kind)

	rec = e.request(e.alice, http.MethodPost, "/api/escrows/7/settle", map[string]string{"custody": aliceAcct}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.request(nil, http.MethodGet, "/api/custody/"+aliceAcct, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(6000), decode[struct {
		Balance uint64 `json:"balance"`
	}](t, rec).Balance)

	rec = e.request(e.bob, http.MethodPost, "/api/escrows/7/withdraw", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NotEscrowCreator", decode[errorBody](t, rec).Kind)

	rec = e.request(e.alice, http.MethodPost, "/api/escrows/7/withdraw", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.request(nil, http.MethodGet, "/api/escrows/7", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.request(nil, http.MethodGet, "/api/audit", nil, map[string]string{"Authorization": "Bearer " + testAPIKey})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[struct {
		Entries []domain.AuditEntry `json:"entries"`
	}](t, rec).Entries, 7)
}

func TestSignedRoutesRejectBadSignatures(t *testing.T) {
	e := newTestEnv(t, Config{}, Options{})

	rec := e.request(nil, http.MethodPost, "/api/escrows", map[string]uint64{"seed": 1, "entry_fee": 10}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signature made for a different body.
	raw := []byte(`{"seed":1,"entry_fee":10}`)
	hdrs, err := e.alice.RequestHeaders(http.MethodPost, "/api/escrows", `{"seed":2,"entry_fee":10}`, e.now)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows", bytes.NewReader(raw))
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.root.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid signature")

	// Signature made ten minutes ago.
	hdrs, err = e.alice.RequestHeaders(http.MethodPost, "/api/escrows", string(raw), e.now.Add(-10*time.Minute))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/escrows", bytes.NewReader(raw))
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	w = httptest.NewRecorder()
	e.root.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "expired")
}

func TestOperatorRoutes(t *testing.T) {
	disabled := newTestEnv(t, Config{}, Options{})
	rec := disabled.request(nil, http.MethodPost, "/api/custody/x/deposit", map[string]uint64{"amount": 1}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	e := newTestEnv(t, Config{APIKey: testAPIKey}, Options{})
	rec = e.request(nil, http.MethodPost, "/api/custody/x/deposit", map[string]uint64{"amount": 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.request(nil, http.MethodPost, "/api/custody/x/deposit", map[string]uint64{"amount": 0},
		map[string]string{"X-API-Key": testAPIKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadEndpoints(t *testing.T) {
	e := newTestEnv(t, Config{}, Options{})

	rec := e.request(nil, http.MethodGet, "/api/prices/0xFEED", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[service.PriceView](t, rec)
	assert.Equal(t, int64(42), view.Mantissa)
	assert.False(t, view.Stale)

	rec = e.request(nil, http.MethodGet, "/api/prices/0xbeef", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.request(nil, http.MethodGet, "/api/escrows/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.request(nil, http.MethodGet, "/api/escrows?status=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.request(nil, http.MethodGet, "/api/escrows", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"escrows":[]}`, rec.Body.String())

	rec = e.request(nil, http.MethodGet, "/api/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())

	rec = e.request(nil, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.request(nil, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "escrow_http_requests_total")
}

func TestRateLimitAppliesBeforeRouting(t *testing.T) {
	e := newTestEnv(t, Config{RateLimit: 1, RateWindow: time.Second}, Options{Limiter: denyLimiter{}})
	rec := e.request(nil, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, Config{CORSOrigins: []string{"https://app.example"}}, Options{})
	rec := e.request(nil, http.MethodOptions, "/api/escrows", nil, map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)
}
