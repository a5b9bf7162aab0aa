// Package chain submits pawn contract transactions from the operator wallet
// and tracks them to confirmation.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bullpawn/bullpawn/internal/crypto"
	"github.com/bullpawn/bullpawn/internal/domain"
)

// Backend is the subset of the Ethereum RPC the client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	ethereum.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config holds contract addresses and confirmation policy.
type Config struct {
	PawnAddress   string
	USDTAddress   string
	ChainID       *big.Int
	Confirmations uint64
	PollInterval  time.Duration
}

// Client implements domain.ChainClient against the PawnSystem contract.
type Client struct {
	backend       Backend
	signer        *crypto.Signer
	pawn          common.Address
	usdt          common.Address
	confirmations uint64
	pollInterval  time.Duration
	logger        *slog.Logger

	nonceMu sync.Mutex
	nonce   *uint64
}

var (
	_ domain.ChainClient        = (*Client)(nil)
	_ domain.PositionIDResolver = (*Client)(nil)
)

// NewClient validates cfg and binds the wallet key to the chain.
func NewClient(backend Backend, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.PawnAddress) {
		return nil, fmt.Errorf("chain: invalid pawn contract address %q", cfg.PawnAddress)
	}
	if !common.IsHexAddress(cfg.USDTAddress) {
		return nil, fmt.Errorf("chain: invalid usdt contract address %q", cfg.USDTAddress)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		backend:       backend,
		signer:        signer,
		pawn:          common.HexToAddress(cfg.PawnAddress),
		usdt:          common.HexToAddress(cfg.USDTAddress),
		confirmations: cfg.Confirmations,
		pollInterval:  poll,
		logger:        logger.With(slog.String("component", "chain")),
	}, nil
}

// Wallet returns the operator address transactions are sent from.
func (c *Client) Wallet() string { return c.signer.Address().Hex() }

// SubmitCreateTx sends createPawn with the collateral as value. The contract
// records msg.sender; owner is tracked off-chain.
func (c *Client) SubmitCreateTx(ctx context.Context, owner string, collateral *big.Int) (domain.TxRef, error) {
	data, err := pawnABI.Pack("createPawn")
	if err != nil {
		return "", fmt.Errorf("chain: pack createPawn: %w", err)
	}
	ref, err := c.send(ctx, c.pawn, collateral, data)
	if err != nil {
		return ref, fmt.Errorf("chain: submit create for %s: %w", owner, err)
	}
	return ref, nil
}

// SubmitRedeemTx checks the wallet's USDT balance covers repayment, approves
// the pawn contract for that amount, waits for the approval, then sends
// redeemPawn.
func (c *Client) SubmitRedeemTx(ctx context.Context, positionID uint64, repayment *big.Int) (domain.TxRef, error) {
	balance, err := c.tokenBalance(ctx, c.signer.Address())
	if err != nil {
		return "", err
	}
	if balance.Cmp(repayment) < 0 {
		return "", fmt.Errorf("chain: usdt balance %s below repayment %s: %w", balance, repayment, domain.ErrTransactionFailed)
	}

	approve, err := tokenABI.Pack("approve", c.pawn, repayment)
	if err != nil {
		return "", fmt.Errorf("chain: pack approve: %w", err)
	}
	approveRef, err := c.send(ctx, c.usdt, nil, approve)
	if err != nil {
		return "", fmt.Errorf("chain: submit approve: %w", err)
	}
	ok, err := c.AwaitConfirmation(ctx, approveRef)
	if err != nil {
		return "", fmt.Errorf("chain: await approve %s: %w", approveRef, err)
	}
	if !ok {
		return "", fmt.Errorf("chain: approve %s reverted: %w", approveRef, domain.ErrTransactionFailed)
	}

	data, err := pawnABI.Pack("redeemPawn", new(big.Int).SetUint64(positionID))
	if err != nil {
		return "", fmt.Errorf("chain: pack redeemPawn: %w", err)
	}
	ref, err := c.send(ctx, c.pawn, nil, data)
	if err != nil {
		return ref, fmt.Errorf("chain: submit redeem %d: %w", positionID, err)
	}
	return ref, nil
}

// SubmitLiquidateTx sends liquidatePawn.
func (c *Client) SubmitLiquidateTx(ctx context.Context, positionID uint64) (domain.TxRef, error) {
	data, err := pawnABI.Pack("liquidatePawn", new(big.Int).SetUint64(positionID))
	if err != nil {
		return "", fmt.Errorf("chain: pack liquidatePawn: %w", err)
	}
	ref, err := c.send(ctx, c.pawn, nil, data)
	if err != nil {
		return ref, fmt.Errorf("chain: submit liquidate %d: %w", positionID, err)
	}
	return ref, nil
}

// AwaitConfirmation polls for the receipt until it is mined with the
// configured number of confirmations or ctx ends. It returns false when the
// transaction reverted.
func (c *Client) AwaitConfirmation(ctx context.Context, ref domain.TxRef) (bool, error) {
	hash := common.HexToHash(string(ref))
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			done, cerr := c.confirmed(ctx, receipt)
			if cerr != nil {
				return false, cerr
			}
			if done {
				return receipt.Status == types.ReceiptStatusSuccessful, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.Warn("chain: receipt lookup failed", slog.String("tx", string(ref)), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("chain: await %s: %w", ref, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if c.confirmations <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("chain: fetch head: %w", err)
	}
	if head == nil || head.Number == nil || head.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(c.confirmations)) >= 0, nil
}

// ResolvePositionID reads the PawnCreated event from a mined create tx.
func (c *Client) ResolvePositionID(ctx context.Context, ref domain.TxRef) (uint64, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(string(ref)))
	if err != nil {
		return 0, fmt.Errorf("chain: receipt %s: %w", ref, err)
	}
	if receipt == nil {
		return 0, fmt.Errorf("chain: receipt %s: %w", ref, domain.ErrNotFound)
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.pawn || len(lg.Topics) < 2 || lg.Topics[0] != pawnCreatedTopic {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if !id.IsUint64() {
			return 0, fmt.Errorf("chain: position id %s overflows", id)
		}
		return id.Uint64(), nil
	}
	return 0, fmt.Errorf("chain: no PawnCreated event in %s: %w", ref, domain.ErrNotFound)
}

// GetOnChainPositionCount calls getTotalPawns.
func (c *Client) GetOnChainPositionCount(ctx context.Context) (int64, error) {
	out, err := c.call(ctx, c.pawn, pawnABI, "getTotalPawns")
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsInt64() {
		return 0, fmt.Errorf("chain: unexpected getTotalPawns result %v", out[0])
	}
	return n.Int64(), nil
}

// ReadBalance returns the ETH (wei) or USDT (6-decimal) balance of address.
func (c *Client) ReadBalance(ctx context.Context, address, asset string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("chain: address %q: %w", address, domain.ErrInvalidInput)
	}
	account := common.HexToAddress(address)
	switch strings.ToUpper(asset) {
	case domain.BalanceETH:
		bal, err := c.backend.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, fmt.Errorf("chain: eth balance: %w", err)
		}
		return bal, nil
	case domain.BalanceUSDT:
		return c.tokenBalance(ctx, account)
	default:
		return nil, fmt.Errorf("chain: unsupported balance asset %q: %w", asset, domain.ErrInvalidInput)
	}
}

func (c *Client) tokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.usdt, tokenABI, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected balanceOf result %T", out[0])
	}
	return bal, nil
}

func (c *Client) call(ctx context.Context, to common.Address, contract interface {
	Pack(string, ...any) ([]byte, error)
	Unpack(string, []byte) ([]any, error)
}, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: %s returned nothing", method)
	}
	return out, nil
}

// send builds, signs and broadcasts a dynamic-fee transaction. The nonce is
// reserved under nonceMu and dropped from the cache if broadcasting fails so
// the next send re-reads it from the node.
func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (domain.TxRef, error) {
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w: %w", err, domain.ErrTransactionFailed)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if c.nonce == nil {
		n, err := c.backend.PendingNonceAt(ctx, from)
		if err != nil {
			return "", fmt.Errorf("pending nonce: %w", err)
		}
		c.nonce = &n
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     *c.nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return "", err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.nonce = nil
		if unacknowledged(err) {
			// The node may hold the transaction; hand back its hash so the
			// caller can wait for a receipt instead of assuming nothing happened.
			return domain.TxRef(signed.Hash().Hex()), fmt.Errorf("send transaction: %w", err)
		}
		return "", fmt.Errorf("send transaction: %w", err)
	}
	*c.nonce++

	ref := domain.TxRef(signed.Hash().Hex())
	c.logger.Info("chain: transaction sent",
		slog.String("tx", string(ref)),
		slog.String("to", to.Hex()),
		slog.String("value", value.String()),
	)
	return ref, nil
}

// unacknowledged reports whether a send error leaves it unknown whether the
// node accepted the transaction: the request timed out or was abandoned
// rather than answered.
func unacknowledged(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
