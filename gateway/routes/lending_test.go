package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"lendcore/bank"
	"lendcore/engine"
	"lendcore/gateway/middleware"
	"lendcore/oracle"
	"lendcore/policy"
	"lendcore/registry"
)

type staticFeed struct {
	answer *big.Int
	now    func() time.Time
}

func (f staticFeed) LatestRound(context.Context) (oracle.RoundData, error) {
	return oracle.RoundData{RoundID: 2, Answer: f.answer, UpdatedAt: f.now(), AnsweredInRound: 2}, nil
}

func (f staticFeed) Round(_ context.Context, id uint64) (oracle.RoundData, error) {
	return oracle.RoundData{RoundID: id, Answer: f.answer, UpdatedAt: f.now(), AnsweredInRound: id}, nil
}

type testServer struct {
	server *httptest.Server
	ledger *bank.Ledger
}

func newTestServer(t *testing.T, auth *middleware.Authenticator) *testServer {
	t.Helper()
	pol := policy.AllowAll{}
	reg := registry.New(pol)
	require.NoError(t, reg.UpdateAsset("gov", &registry.Asset{
		Symbol: "ETH", Active: true, Decimals: 18, OracleDecimals: 8,
		BorrowThreshold: 800, LiquidationThreshold: 850, Tier: registry.TierCrossA,
	}))

	agg := oracle.New(oracle.DefaultConfig(), pol)
	require.NoError(t, agg.AddSource("gov", "ETH", "primary", staticFeed{
		answer: new(big.Int).Mul(big.NewInt(2_000), big.NewInt(100_000_000)),
		now:    time.Now,
	}))

	ledger := bank.NewLedger()
	require.NoError(t, ledger.Mint("ZUSD", "lp", big.NewInt(1_000_000_000)))
	require.NoError(t, ledger.Mint("ETH", "alice", new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000))))

	eng := engine.New(reg, agg, ledger, pol, engine.Params{
		BaseToken:       "ZUSD",
		GovToken:        "LGOV",
		ModuleAccount:   "lending/module",
		TreasuryAccount: "lending/treasury",
	})
	_, err := eng.SupplyLiquidity("lp", big.NewInt(1_000_000_000))
	require.NoError(t, err)

	handler := New(Config{
		Lending:       NewLendingRoutes(eng, agg, reg, nil),
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(nil),
		Observability: middleware.NewObservability(),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{server: srv, ledger: ledger}
}

func (ts *testServer) post(t *testing.T, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := ts.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	decoded := map[string]interface{}{}
	_ = dec.Decode(&decoded)
	return resp, decoded
}

func TestLendingFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.post(t, "/v1/positions", map[string]interface{}{
		"user": "alice", "asset": "ETH",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "0", body["id"].(json.Number).String())

	resp, _ = ts.post(t, "/v1/collateral/supply", map[string]interface{}{
		"user": "alice", "id": 0, "asset": "ETH", "amount": "1000000000000000000",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.post(t, "/v1/borrow", map[string]interface{}{
		"user": "alice", "id": 0, "amount": "100000000",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.post(t, "/v1/positions/get", map[string]interface{}{
		"user": "alice", "id": 0,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "active", body["status"])
	require.Equal(t, "100000000", body["debtPrincipal"].(json.Number).String())
}

func TestResponseHeaders(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := ts.post(t, "/v1/positions", map[string]interface{}{
		"user": "alice", "asset": "ETH",
	}, nil)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.post(t, "/v1/positions/get", map[string]interface{}{
		"user": "nobody", "id": 7,
	}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.post(t, "/v1/positions", map[string]interface{}{
		"user": "alice", "asset": "ETH",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Borrow with no collateral breaches the credit limit.
	resp, body := ts.post(t, "/v1/borrow", map[string]interface{}{
		"user": "alice", "id": 0, "amount": "100000000",
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, body["error"], "credit limit")

	resp, _ = ts.post(t, "/v1/borrow", map[string]interface{}{
		"user": "alice", "id": 0, "amount": "not-a-number",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func signToken(t *testing.T, secret, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "ops",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestGovernanceRequiresScope(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: "test-secret",
	}, nil)
	ts := newTestServer(t, auth)

	pauses := map[string]interface{}{"borrow": true}

	resp, _ := ts.post(t, "/v1/gov/pauses", pauses, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.post(t, "/v1/gov/pauses", pauses, map[string]string{
		"Authorization": "Bearer " + signToken(t, "test-secret", "lending.read"),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.post(t, "/v1/gov/pauses", pauses, map[string]string{
		"Authorization": "Bearer " + signToken(t, "test-secret", GovScope),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The pause is now live.
	resp, _ = ts.post(t, "/v1/positions", map[string]interface{}{
		"user": "alice", "asset": "ETH",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = ts.post(t, "/v1/borrow", map[string]interface{}{
		"user": "alice", "id": 0, "amount": "1",
	}, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
