package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/loan"
)

// PriceService fronts the price aggregator: every validated price is cached,
// published on the bus and reported. It satisfies PriceOracle so the pawn
// service can use it directly.
type PriceService struct {
	oracle   PriceOracle
	cache    domain.PriceCache
	bus      domain.SignalBus
	reporter domain.Reporter
	logger   *slog.Logger
}

// NewPriceService creates a PriceService. cache and bus may be nil.
func NewPriceService(
	oracle PriceOracle,
	cache domain.PriceCache,
	bus domain.SignalBus,
	reporter domain.Reporter,
	logger *slog.Logger,
) *PriceService {
	if reporter == nil {
		reporter = domain.NopReporter{}
	}
	return &PriceService{
		oracle:   oracle,
		cache:    cache,
		bus:      bus,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "price_service")),
	}
}

// GetValidatedPrice resolves a fresh price from the aggregator.
func (s *PriceService) GetValidatedPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error) {
	vp, err := s.oracle.GetValidatedPrice(ctx, asset)
	s.reporter.PriceServed(vp, err)
	if err != nil {
		return domain.ValidatedPrice{}, fmt.Errorf("price_service: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetPrice(ctx, vp); err != nil {
			s.logger.WarnContext(ctx, "price_service: cache price failed",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":      "price",
			"asset":      vp.Asset,
			"price":      loan.FormatUnits(vp.Price, domain.PriceDecimals),
			"confidence": string(vp.Confidence),
			"sources":    vp.Sources,
			"timestamp":  vp.ObservedAt.Format(time.RFC3339Nano),
		})
		if pubErr := s.bus.Publish(ctx, domain.ChannelPrices, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "price_service: publish price event failed",
				slog.String("asset", asset),
				slog.String("error", pubErr.Error()),
			)
		}
	}
	return vp, nil
}

// LastPrice returns the most recently cached price without querying sources.
func (s *PriceService) LastPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error) {
	if s.cache == nil {
		return domain.ValidatedPrice{}, fmt.Errorf("price_service: no cache configured: %w", domain.ErrNotFound)
	}
	vp, err := s.cache.GetPrice(ctx, asset)
	if err != nil {
		return domain.ValidatedPrice{}, fmt.Errorf("price_service: last price %q: %w", asset, err)
	}
	return vp, nil
}
