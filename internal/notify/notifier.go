// Package notify delivers operator alerts (liquidations, degraded prices,
// ledger drift) to chat channels. Each alert has an event type and operators
// choose which types they receive.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/loan"
)

// Event types.
const (
	EventLiquidation   = "liquidation"
	EventDegradedPrice = "degraded_price"
	EventLedgerDrift   = "ledger_drift"
	EventKeeperError   = "keeper_error"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender. Only event types listed at
// construction are forwarded; an empty list forwards everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether alerts of this type are delivered.
func (n *Notifier) Enabled(event string) bool {
	return len(n.senders) > 0 && (len(n.events) == 0 || n.events[event])
}

// Notify sends an alert of the given type to all senders.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled(event) {
		n.logger.DebugContext(ctx, "notify: event filtered out", slog.String("event", event))
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// PositionLiquidated alerts on a completed liquidation.
func (n *Notifier) PositionLiquidated(ctx context.Context, pos domain.Position, price domain.ValidatedPrice) error {
	return n.Notify(ctx, EventLiquidation,
		fmt.Sprintf("Position #%d liquidated", pos.ID),
		fmt.Sprintf("owner %s\ncollateral %s ETH\nprincipal %s USDT\nopened at $%s, now $%s (%s)\ntx %s",
			pos.Owner,
			loan.FormatUnits(pos.CollateralAmount, loan.CollateralDecimals),
			loan.FormatUnits(pos.Principal, loan.StableDecimals),
			loan.FormatUnits(pos.CreationPrice, domain.PriceDecimals),
			loan.FormatUnits(price.Price, domain.PriceDecimals),
			price.Confidence,
			pos.CloseTxRef,
		),
	)
}

// PriceDegraded alerts when prices come from a tier below the live oracles.
func (n *Notifier) PriceDegraded(ctx context.Context, price domain.ValidatedPrice) error {
	return n.Notify(ctx, EventDegradedPrice,
		fmt.Sprintf("%s price degraded to %s", price.Asset, price.Confidence),
		fmt.Sprintf("price $%s from %s", loan.FormatUnits(price.Price, domain.PriceDecimals), strings.Join(price.Sources, ", ")),
	)
}

// LedgerDrift alerts when the local ledger and the contract disagree.
func (n *Notifier) LedgerDrift(ctx context.Context, local, onChain int64) error {
	return n.Notify(ctx, EventLedgerDrift,
		"Ledger drift detected",
		fmt.Sprintf("local confirmed positions %d, contract reports %d", local, onChain),
	)
}

// KeeperFailed alerts when a keeper pass fails.
func (n *Notifier) KeeperFailed(ctx context.Context, task string, err error) error {
	return n.Notify(ctx, EventKeeperError,
		"Keeper "+task+" failed",
		err.Error(),
	)
}
