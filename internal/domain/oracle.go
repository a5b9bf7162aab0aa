package domain

import "context"

// PriceSource is a single upstream price feed.
type PriceSource interface {
	Name() string
	Query(ctx context.Context, asset string) (PriceQuote, error)
}
