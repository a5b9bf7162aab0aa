package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/loan"
)

// PriceService defines what the price handler needs.
type PriceService interface {
	GetValidatedPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error)
}

// PriceHandler serves validated collateral prices.
type PriceHandler struct {
	prices PriceService
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logHandler(logger, "price")}
}

type priceResponse struct {
	Asset      string   `json:"asset"`
	Price      string   `json:"price"`
	Confidence string   `json:"confidence"`
	Sources    []string `json:"sources"`
	ObservedAt string   `json:"observed_at"`
}

func newPriceResponse(vp domain.ValidatedPrice) priceResponse {
	sources := vp.Sources
	if sources == nil {
		sources = []string{}
	}
	return priceResponse{
		Asset:      vp.Asset,
		Price:      loan.FormatUnits(vp.Price, domain.PriceDecimals),
		Confidence: string(vp.Confidence),
		Sources:    sources,
		ObservedAt: vp.ObservedAt.UTC().Format(time.RFC3339),
	}
}

// GetPrice returns the validated USD price of an asset.
// GET /api/price/{asset}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(pathParam(r, "asset"))
	if asset != domain.AssetETH {
		writeError(w, http.StatusNotFound, "unsupported asset "+asset)
		return
	}
	vp, err := h.prices.GetValidatedPrice(r.Context(), asset)
	if err != nil {
		writeServiceError(w, r, h.logger, "get price", err)
		return
	}
	writeJSON(w, http.StatusOK, newPriceResponse(vp))
}
