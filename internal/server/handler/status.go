package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/service"
)

// StatusSource is the read-only view of the pawn service used for status.
type StatusSource interface {
	Counts() map[domain.PositionState]int64
	Config() service.PawnConfig
}

// LastPricer returns the most recent cached price without hitting sources.
type LastPricer interface {
	LastPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error)
}

// StatusHandler reports process and ledger status.
type StatusHandler struct {
	pawn      StatusSource
	prices    LastPricer
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. prices may be nil.
func NewStatusHandler(pawn StatusSource, prices LastPricer, mode string, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		pawn:      pawn,
		prices:    prices,
		mode:      mode,
		startedAt: startedAt,
		logger:    logHandler(logger, "status"),
	}
}

// GetStatus returns position counts per state, loan policy and the last price.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts := h.pawn.Counts()
	positions := make(map[string]int64, len(counts))
	for state, n := range counts {
		positions[string(state)] = n
	}
	cfg := h.pawn.Config()

	out := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"positions":      positions,
		"loan": map[string]any{
			"ltv_ratio_bps":             cfg.Terms.LTVBps,
			"interest_rate_bps":         cfg.Terms.InterestRateBps,
			"liquidation_threshold_bps": cfg.LiquidationThresholdBps,
			"loan_term_seconds":         int64(cfg.Terms.Term.Seconds()),
			"min_accepted_confidence":   string(cfg.MinConfidence),
		},
	}
	if h.prices != nil {
		if vp, err := h.prices.LastPrice(r.Context(), domain.AssetETH); err == nil {
			out["last_price"] = newPriceResponse(vp)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
