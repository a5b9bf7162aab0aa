package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/bullpawn/bullpawn/internal/domain"
)

const aggregatorABI = `[
 {"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"latestRoundData","outputs":[
  {"name":"roundId","type":"uint80"},
  {"name":"answer","type":"int256"},
  {"name":"startedAt","type":"uint256"},
  {"name":"updatedAt","type":"uint256"},
  {"name":"answeredInRound","type":"uint80"}
 ],"stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = mustParseABI(aggregatorABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("oracle: parse abi: %v", err))
	}
	return parsed
}

// ChainlinkSource reads an on-chain price feed aggregator contract. The quote
// timestamp is the round's updatedAt, so a stalled feed ages out through the
// aggregator's staleness check.
type ChainlinkSource struct {
	caller  ethereum.ContractCaller
	address common.Address

	mu       sync.Mutex
	decimals *uint8
}

// NewChainlinkSource binds to the feed at address using any contract caller,
// typically an *ethclient.Client.
func NewChainlinkSource(caller ethereum.ContractCaller, address string) (*ChainlinkSource, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("oracle: chainlink feed address %q: %w", address, domain.ErrInvalidInput)
	}
	return &ChainlinkSource{caller: caller, address: common.HexToAddress(address)}, nil
}

// Name implements domain.PriceSource.
func (c *ChainlinkSource) Name() string { return "chainlink" }

// Query implements domain.PriceSource.
func (c *ChainlinkSource) Query(ctx context.Context, asset string) (domain.PriceQuote, error) {
	if !strings.EqualFold(asset, domain.AssetETH) {
		return domain.PriceQuote{}, fmt.Errorf("oracle: chainlink: unsupported asset %q: %w", asset, domain.ErrInvalidInput)
	}
	dec, err := c.feedDecimals(ctx)
	if err != nil {
		return domain.PriceQuote{}, err
	}

	out, err := c.call(ctx, "latestRoundData")
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if len(out) != 5 {
		return domain.PriceQuote{}, fmt.Errorf("oracle: chainlink: latestRoundData returned %d values", len(out))
	}
	answer, ok1 := out[1].(*big.Int)
	updatedAt, ok2 := out[3].(*big.Int)
	if !ok1 || !ok2 {
		return domain.PriceQuote{}, fmt.Errorf("oracle: chainlink: unexpected latestRoundData types")
	}
	if answer.Sign() <= 0 {
		return domain.PriceQuote{}, fmt.Errorf("oracle: chainlink: non-positive answer %s", answer)
	}

	return domain.PriceQuote{
		Source:     c.Name(),
		Price:      new(big.Int).Set(answer),
		Decimals:   dec,
		ObservedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

func (c *ChainlinkSource) feedDecimals(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decimals != nil {
		return *c.decimals, nil
	}
	out, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: chainlink: unexpected decimals type %T", out[0])
	}
	c.decimals = &d
	return d, nil
}

func (c *ChainlinkSource) call(ctx context.Context, method string) ([]any, error) {
	data, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: chainlink: pack %s: %w", method, err)
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: chainlink: call %s: %w", method, err)
	}
	out, err := parsedAggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("oracle: chainlink: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("oracle: chainlink: %s returned nothing", method)
	}
	return out, nil
}
