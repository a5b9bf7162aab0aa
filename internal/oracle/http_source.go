package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/bullpawn/bullpawn/internal/domain"
)

const maxBodyBytes = 1 << 20

// HTTPSource queries a public REST price API. One instance is bound to one
// provider; the provider decides the URL and how to read the body.
type HTTPSource struct {
	name     string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	now      func() time.Time
	endpoint func(asset string) (string, error)
	parse    func(body []byte, asset string) (decimal.Decimal, error)
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient overrides the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithRateLimit paces outbound requests to at most rps per second.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(s *HTTPSource) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// WithSourceClock overrides the time stamped on quotes.
func WithSourceClock(now func() time.Time) HTTPOption {
	return func(s *HTTPSource) { s.now = now }
}

func newHTTPSource(name, baseURL string, opts []HTTPOption) *HTTPSource {
	s := &HTTPSource{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewCoinGecko reads /simple/price?ids=ethereum&vs_currencies=usd. The usd
// field must be a JSON number.
func NewCoinGecko(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := newHTTPSource("coingecko", baseURL, opts)
	s.endpoint = func(asset string) (string, error) {
		id, err := lookup(coingeckoIDs, asset)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", s.baseURL, id), nil
	}
	s.parse = func(body []byte, asset string) (decimal.Decimal, error) {
		id, _ := lookup(coingeckoIDs, asset)
		var data map[string]map[string]any
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return decimal.Decimal{}, fmt.Errorf("decode: %w", err)
		}
		num, ok := data[id]["usd"].(json.Number)
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("missing numeric %s.usd", id)
		}
		return decimal.NewFromString(num.String())
	}
	return s
}

// NewCoinbase reads /v2/prices/ETH-USD/spot.
func NewCoinbase(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := newHTTPSource("coinbase", baseURL, opts)
	s.endpoint = func(asset string) (string, error) {
		pair, err := lookup(coinbasePairs, asset)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/v2/prices/%s/spot", s.baseURL, pair), nil
	}
	s.parse = func(body []byte, _ string) (decimal.Decimal, error) {
		var data struct {
			Data struct {
				Amount string `json:"amount"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &data); err != nil {
			return decimal.Decimal{}, fmt.Errorf("decode: %w", err)
		}
		return decimal.NewFromString(data.Data.Amount)
	}
	return s
}

// NewBinance reads /api/v3/ticker/price?symbol=ETHUSDT.
func NewBinance(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := newHTTPSource("binance", baseURL, opts)
	s.endpoint = func(asset string) (string, error) {
		sym, err := lookup(binanceSymbols, asset)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", s.baseURL, sym), nil
	}
	s.parse = func(body []byte, _ string) (decimal.Decimal, error) {
		var data struct {
			Price string `json:"price"`
		}
		if err := json.Unmarshal(body, &data); err != nil {
			return decimal.Decimal{}, fmt.Errorf("decode: %w", err)
		}
		return decimal.NewFromString(data.Price)
	}
	return s
}

var (
	coingeckoIDs   = map[string]string{domain.AssetETH: "ethereum"}
	coinbasePairs  = map[string]string{domain.AssetETH: "ETH-USD"}
	binanceSymbols = map[string]string{domain.AssetETH: "ETHUSDT"}
)

func lookup(m map[string]string, asset string) (string, error) {
	v, ok := m[strings.ToUpper(asset)]
	if !ok {
		return "", fmt.Errorf("unsupported asset %q: %w", asset, domain.ErrInvalidInput)
	}
	return v, nil
}

// Name implements domain.PriceSource.
func (s *HTTPSource) Name() string { return s.name }

// Query implements domain.PriceSource.
func (s *HTTPSource) Query(ctx context.Context, asset string) (domain.PriceQuote, error) {
	url, err := s.endpoint(asset)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: %s: %w", s.name, err)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return domain.PriceQuote{}, fmt.Errorf("oracle: %s: rate limit wait: %w", s.name, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: %s: build request: %w", s.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: %s: request: %w", s.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: %s: read body: %w", s.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.PriceQuote{}, fmt.Errorf("oracle: %s: status %d: %s", s.name, resp.StatusCode, truncate(body, 200))
	}

	price, err := s.parse(body, asset)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: %s: parse price: %w", s.name, err)
	}
	if !price.IsPositive() {
		return domain.PriceQuote{}, fmt.Errorf("oracle: %s: non-positive price %s", s.name, price)
	}

	return domain.PriceQuote{
		Source:     s.name,
		Price:      price.Shift(int32(domain.PriceDecimals)).Truncate(0).BigInt(),
		Decimals:   domain.PriceDecimals,
		ObservedAt: s.now().UTC(),
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
