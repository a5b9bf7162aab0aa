package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/domain"
)

func serve(t *testing.T, path string, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func clock() HTTPOption {
	return WithSourceClock(func() time.Time { return testNow })
}

func TestCoinGeckoParsesNumber(t *testing.T) {
	srv := serve(t, "/simple/price", http.StatusOK, `{"ethereum":{"usd":2345.67}}`)
	q, err := NewCoinGecko(srv.URL, clock()).Query(context.Background(), domain.AssetETH)
	require.NoError(t, err)
	require.Equal(t, "234567000000", q.Price.String())
	require.Equal(t, domain.PriceDecimals, q.Decimals)
	require.Equal(t, testNow, q.ObservedAt)
	require.Equal(t, "coingecko", q.Source)
}

func TestCoinGeckoRejectsNonNumeric(t *testing.T) {
	srv := serve(t, "/simple/price", http.StatusOK, `{"ethereum":{"usd":"2345.67"}}`)
	_, err := NewCoinGecko(srv.URL).Query(context.Background(), domain.AssetETH)
	require.Error(t, err)

	srv = serve(t, "/simple/price", http.StatusOK, `{"bitcoin":{"usd":1}}`)
	_, err = NewCoinGecko(srv.URL).Query(context.Background(), domain.AssetETH)
	require.Error(t, err)
}

func TestHTTPSourceStatusError(t *testing.T) {
	srv := serve(t, "/v2/prices/ETH-USD/spot", http.StatusServiceUnavailable, `busy`)
	_, err := NewCoinbase(srv.URL).Query(context.Background(), domain.AssetETH)
	require.ErrorContains(t, err, "status 503")
}

func TestCoinbaseAndBinance(t *testing.T) {
	cb := serve(t, "/v2/prices/ETH-USD/spot", http.StatusOK, `{"data":{"amount":"2001.5","currency":"USD"}}`)
	q, err := NewCoinbase(cb.URL, WithRateLimit(100, 1)).Query(context.Background(), domain.AssetETH)
	require.NoError(t, err)
	require.Equal(t, "200150000000", q.Price.String())

	bn := serve(t, "/api/v3/ticker/price", http.StatusOK, `{"symbol":"ETHUSDT","price":"1999.12345678"}`)
	q, err = NewBinance(bn.URL).Query(context.Background(), domain.AssetETH)
	require.NoError(t, err)
	require.Equal(t, "199912345678", q.Price.String())
}

func TestHTTPSourceUnsupportedAsset(t *testing.T) {
	_, err := NewBinance("http://unused").Query(context.Background(), "DOGE")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHTTPSourceNegativePrice(t *testing.T) {
	srv := serve(t, "/api/v3/ticker/price", http.StatusOK, `{"price":"-1"}`)
	_, err := NewBinance(srv.URL).Query(context.Background(), domain.AssetETH)
	require.ErrorContains(t, err, "non-positive")
}
