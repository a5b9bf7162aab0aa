package metrics

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/domain"
)

func TestOperationCounters(t *testing.T) {
	r := New()
	r.OperationFinished(domain.OpCreate, nil, 2*time.Second)
	r.OperationFinished(domain.OpCreate, fmt.Errorf("x: %w", domain.ErrLowConfidencePrice), time.Millisecond)
	r.OperationFinished(domain.OpRedeem, nil, time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(r.creations.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.creations.WithLabelValues("failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.redemptions.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("create", domain.ErrorKind(domain.ErrLowConfidencePrice))))
	require.Equal(t, 2, testutil.CollectAndCount(r.durations))
}

func TestPriceAndTransactions(t *testing.T) {
	r := New()
	r.PriceServed(domain.ValidatedPrice{Asset: "ETH", Price: big.NewInt(2500_50000000), Confidence: domain.ConfidenceOracle}, nil)
	r.PriceServed(domain.ValidatedPrice{}, errors.New("down"))
	r.TransactionFinished(domain.OpLiquidate, nil)
	r.ActivePositions(7)

	require.Equal(t, 2500.5, testutil.ToFloat64(r.lastPrice.WithLabelValues("ETH")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.priceRequests.WithLabelValues("success", "oracle")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.priceRequests.WithLabelValues("failure", "none")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.transactions.WithLabelValues("liquidate", "success")))
	require.Equal(t, 7.0, testutil.ToFloat64(r.activePawns))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.ActivePositions(3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "bullpawn_active_pawns 3")
	require.True(t, strings.Contains(string(body), "go_goroutines"))
}
