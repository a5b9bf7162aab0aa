package domain

import (
	"context"
	"math/big"
)

// TxRef identifies a submitted transaction (a transaction hash on EVM chains).
type TxRef string

// Balance assets readable through ChainClient.ReadBalance.
const (
	BalanceETH  = "ETH"
	BalanceUSDT = "USDT"
)

// ChainClient is the boundary to the pawn contract. Submit calls return once
// the transaction is accepted by the node; AwaitConfirmation reports whether
// it was mined successfully (false means it reverted).
//
// A Submit error with an empty TxRef means nothing was broadcast. When the
// node may have received the transaction but its answer was lost, the
// signed transaction's TxRef is returned together with the error.
type ChainClient interface {
	SubmitCreateTx(ctx context.Context, owner string, collateral *big.Int) (TxRef, error)
	SubmitRedeemTx(ctx context.Context, positionID uint64, repayment *big.Int) (TxRef, error)
	SubmitLiquidateTx(ctx context.Context, positionID uint64) (TxRef, error)
	AwaitConfirmation(ctx context.Context, ref TxRef) (bool, error)
	GetOnChainPositionCount(ctx context.Context) (int64, error)
	ReadBalance(ctx context.Context, address, asset string) (*big.Int, error)
}

// PositionIDResolver is implemented by chain clients that can recover the
// contract-assigned position id from a confirmed create transaction.
type PositionIDResolver interface {
	ResolvePositionID(ctx context.Context, ref TxRef) (uint64, error)
}
