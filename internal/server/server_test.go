package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/server/handler"
	"github.com/bullpawn/bullpawn/internal/service"
)

const owner = "0x52908400098527886E0F7030069857D2E4169EE7"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ethPrice() domain.ValidatedPrice {
	return domain.ValidatedPrice{
		Asset:      domain.AssetETH,
		Price:      big.NewInt(2000_00000000),
		Confidence: domain.ConfidenceOracle,
		Sources:    []string{"chainlink"},
		ObservedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type stubPawn struct {
	mu      sync.Mutex
	lastOwn string
	lastAmt *big.Int
	err     error
}

func (s *stubPawn) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubPawn) position(id uint64) domain.Position {
	return domain.Position{
		ID:               id,
		Owner:            owner,
		State:            domain.StateActive,
		CollateralAmount: big.NewInt(1e18),
		Principal:        big.NewInt(1_400_000_000),
		CreationPrice:    big.NewInt(2000_00000000),
		LTVBps:           7000,
		InterestRateBps:  1000,
	}
}

func (s *stubPawn) QuoteLoan(ctx context.Context, collateral *big.Int) (service.LoanQuote, error) {
	if s.err != nil {
		return service.LoanQuote{}, s.err
	}
	return service.LoanQuote{
		Collateral:       collateral,
		Price:            ethPrice(),
		Principal:        big.NewInt(1_400_000_000),
		Repayment:        big.NewInt(1_540_000_000),
		LiquidationPrice: big.NewInt(1400_00000000),
	}, nil
}

func (s *stubPawn) CreatePosition(ctx context.Context, own string, collateral *big.Int) (service.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOwn, s.lastAmt = own, collateral
	if s.err != nil {
		return service.CreateResult{}, s.err
	}
	return service.CreateResult{PositionID: 1, TxRef: "0xabc", Principal: big.NewInt(1_400_000_000), Position: s.position(1)}, nil
}

func (s *stubPawn) RedeemPosition(ctx context.Context, own string, id uint64, offered *big.Int) (service.CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOwn, s.lastAmt = own, offered
	if s.err != nil {
		return service.CloseResult{}, s.err
	}
	pos := s.position(id)
	pos.State = domain.StateRedeemed
	return service.CloseResult{PositionID: id, TxRef: "0xdef", Repayment: big.NewInt(1_540_000_000), Position: pos}, nil
}

func (s *stubPawn) LiquidatePosition(ctx context.Context, id uint64) (service.CloseResult, error) {
	if s.err != nil {
		return service.CloseResult{}, s.err
	}
	pos := s.position(id)
	pos.State = domain.StateLiquidated
	return service.CloseResult{PositionID: id, TxRef: "0xfee", Position: pos}, nil
}

func (s *stubPawn) CheckLiquidatable(ctx context.Context, id uint64) (bool, error) {
	return id == 7, s.err
}

func (s *stubPawn) RepaymentQuote(_ context.Context, id uint64) (*big.Int, error) {
	return big.NewInt(1_540_000_000), nil
}

func (s *stubPawn) GetPosition(_ context.Context, id uint64) (domain.Position, error) {
	if id != 1 {
		return domain.Position{}, fmt.Errorf("ledger: position %d: %w", id, domain.ErrNotFound)
	}
	return s.position(id), nil
}

func (s *stubPawn) ListPositions(_ context.Context, own string) ([]domain.Position, error) {
	if !strings.HasPrefix(own, "0x") {
		return nil, fmt.Errorf("pawn_service: invalid address: %w", domain.ErrInvalidInput)
	}
	return []domain.Position{s.position(1), s.position(2)}, nil
}

func (s *stubPawn) Balances(ctx context.Context, address string) (map[string]*big.Int, error) {
	return map[string]*big.Int{
		domain.BalanceETH:  big.NewInt(5e17),
		domain.BalanceUSDT: big.NewInt(12_500_000),
	}, nil
}

func (s *stubPawn) Counts() map[domain.PositionState]int64 {
	return map[domain.PositionState]int64{domain.StateActive: 2}
}

func (s *stubPawn) Config() service.PawnConfig {
	return service.PawnConfig{
		Terms:                   domain.LoanTerms{LTVBps: 7000, InterestRateBps: 1000, Term: time.Hour},
		LiquidationThresholdBps: 7000,
		MinConfidence:           domain.ConfidenceFallbackAPI,
	}
}

type stubPrices struct{ err error }

func (p stubPrices) GetValidatedPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error) {
	if p.err != nil {
		return domain.ValidatedPrice{}, p.err
	}
	return ethPrice(), nil
}

func (p stubPrices) LastPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error) {
	return ethPrice(), nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type countingLimiter struct {
	mu    sync.Mutex
	seen  map[string]int
	limit int
}

func (l *countingLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[key]++
	return l.seen[key] <= limit, nil
}

func (l *countingLimiter) Wait(ctx context.Context, key string) error { return nil }

type fixture struct {
	pawn    *stubPawn
	handler http.Handler
}

func newFixture(t *testing.T, cfg Config, limiter domain.RateLimiter, checks map[string]handler.Pinger) *fixture {
	t.Helper()
	log := quietLogger()
	pawn := &stubPawn{}
	prices := stubPrices{}
	h := Handlers{
		Health:  handler.NewHealthHandler(checks, log),
		Status:  handler.NewStatusHandler(pawn, prices, "full", time.Now(), log),
		Price:   handler.NewPriceHandler(prices, log),
		Pawn:    handler.NewPawnHandler(pawn, owner, log),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "bullpawn_up 1\n") }),
	}
	return &fixture{pawn: pawn, handler: NewHandler(cfg, h, limiter, nil, log)}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCreateDefaultsToOperator(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	rec, out := f.do(t, http.MethodPost, "/api/pawn/create", `{"ethAmount":"1.5"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, float64(1), out["positionId"])
	require.Equal(t, "0xabc", out["txHash"])
	require.Equal(t, "1400.000000", out["loanAmount"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	f.pawn.mu.Lock()
	defer f.pawn.mu.Unlock()
	require.Equal(t, owner, f.pawn.lastOwn)
	require.Equal(t, "1500000000000000000", f.pawn.lastAmt.String())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)

	rec, _ := f.do(t, http.MethodPost, "/api/pawn/create", `{"ethAmount":"abc"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/pawn/create", `{"ethAmount":"1","extra":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/pawn/create", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{domain.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
		{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{domain.ErrInsufficientRepayment, http.StatusUnprocessableEntity, "insufficient_repayment"},
		{domain.ErrLowConfidencePrice, http.StatusServiceUnavailable, "low_confidence_price"},
		{fmt.Errorf("chain: revert: %w", domain.ErrTransactionFailed), http.StatusBadGateway, "transaction_failed"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			f := newFixture(t, Config{}, nil, nil)
			f.pawn.fail(tc.err)
			rec, out := f.do(t, http.MethodPost, "/api/pawn/redeem", `{"positionId":1,"usdtAmount":"1540"}`)
			require.Equal(t, tc.code, rec.Code)
			require.Equal(t, tc.kind, out["kind"])
			if tc.kind == "internal" {
				require.Equal(t, "redeem failed", out["error"])
			}
		})
	}
}

func TestRedeemParsesStableAmount(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	rec, out := f.do(t, http.MethodPost, "/api/pawn/redeem",
		`{"owner":"`+owner+`","positionId":3,"usdtAmount":"1540.5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1540.000000", out["repayment"])
	require.Equal(t, "redeemed", out["position"].(map[string]any)["state"])

	f.pawn.mu.Lock()
	require.Equal(t, "1540500000", f.pawn.lastAmt.String())
	f.pawn.mu.Unlock()

	rec, _ = f.do(t, http.MethodPost, "/api/pawn/redeem", `{"positionId":3,"usdtAmount":"1.0000001"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPositionRoutes(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)

	rec, out := f.do(t, http.MethodGet, "/api/pawn/position/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1.000000000000000000", out["collateral_amount"])
	require.Equal(t, "1540.000000", out["repayment_due"])

	rec, _ = f.do(t, http.MethodGet, "/api/pawn/position/9", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/pawn/position/zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = f.do(t, http.MethodGet, "/api/pawn/user/"+owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out["positions"], 2)

	rec, out = f.do(t, http.MethodGet, "/api/pawn/liquidate/7/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["shouldLiquidate"])

	rec, out = f.do(t, http.MethodPost, "/api/pawn/liquidate/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0xfee", out["txHash"])

	rec, out = f.do(t, http.MethodGet, "/api/pawn/balances/"+owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0.500000000000000000", out["eth"])
	require.Equal(t, "12.500000", out["usdt"])
}

func TestPriceAndQuote(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)

	rec, out := f.do(t, http.MethodGet, "/api/price/eth", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2000.00000000", out["price"])
	require.Equal(t, "oracle", out["confidence"])

	rec, _ = f.do(t, http.MethodGet, "/api/price/btc", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, out = f.do(t, http.MethodPost, "/api/pawn/quote", `{"ethAmount":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1540.000000", out["repayment"])
	require.Equal(t, "1400.00000000", out["liquidation_price"])
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Config{}, nil, nil)
	rec, out := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "full", out["mode"])
	require.Equal(t, float64(2), out["positions"].(map[string]any)["active"])
	require.Equal(t, "2000.00000000", out["last_price"].(map[string]any)["price"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"}, nil, nil)

	rec, _ := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/status", "", "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/status", "", "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bullpawn_up")
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{seen: map[string]int{}}
	f := newFixture(t, Config{RateLimitPerMinute: 2}, lim, nil)

	for range 2 {
		rec, _ := f.do(t, http.MethodGet, "/api/status", "", "X-Forwarded-For", "10.0.0.1")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, _ := f.do(t, http.MethodGet, "/api/status", "", "X-Forwarded-For", "10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec, _ = f.do(t, http.MethodGet, "/api/status", "", "X-Forwarded-For", "10.0.0.2")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Config{CORSOrigins: []string{"http://localhost:3000"}, APIKey: "secret"}, nil, nil)
	rec, _ := f.do(t, http.MethodOptions, "/api/pawn/create", "",
		"Origin", "http://localhost:3000", "Access-Control-Request-Method", "POST")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Request-ID")
	require.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec, _ = f.do(t, http.MethodOptions, "/api/pawn/create", "",
		"Origin", "http://evil.example", "Access-Control-Request-Method", "POST")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// Simple requests from an allowed origin can read the correlation id.
	rec, _ = f.do(t, http.MethodGet, "/api/status", "", "Origin", "http://localhost:3000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Request-ID")
}

func TestHealthReportsBackends(t *testing.T) {
	f := newFixture(t, Config{}, nil, map[string]handler.Pinger{
		"postgres": stubPinger{},
		"redis":    stubPinger{err: fmt.Errorf("dial tcp: refused")},
	})
	rec, out := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "degraded", out["status"])
	backends := out["backends"].(map[string]any)
	require.Equal(t, "up", backends["postgres"])
	require.Equal(t, "down", backends["redis"])
}
