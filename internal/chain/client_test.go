package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/crypto"
	"github.com/bullpawn/bullpawn/internal/domain"
)

const (
	pawnAddr = "0x1000000000000000000000000000000000000001"
	usdtAddr = "0x2000000000000000000000000000000000000002"
	userAddr = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"
)

type fakeBackend struct {
	mu           sync.Mutex
	nonce        uint64
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	autoMine     bool
	revert       map[string]bool // method name -> revert
	sendErr      error
	usdtBalance  *big.Int
	ethBalance   *big.Int
	totalPawns   int64
	nonceQueries int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nonce:       5,
		receipts:    map[common.Hash]*types.Receipt{},
		revert:      map[string]bool{},
		usdtBalance: big.NewInt(0),
		ethBalance:  big.NewInt(0),
	}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	switch *msg.To {
	case common.HexToAddress(pawnAddr):
		return pawnABI.Methods["getTotalPawns"].Outputs.Pack(big.NewInt(f.totalPawns))
	case common.HexToAddress(usdtAddr):
		return tokenABI.Methods["balanceOf"].Outputs.Pack(f.usdtBalance)
	}
	return nil, errors.New("unknown contract")
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceQueries++
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(2e9)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 50_000, nil }

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce = tx.Nonce() + 1
	if f.autoMine {
		status := types.ReceiptStatusSuccessful
		if m, err := methodName(tx); err == nil && f.revert[m] {
			status = types.ReceiptStatusFailed
		}
		f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: big.NewInt(100), TxHash: tx.Hash()}
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.ethBalance, nil
}

func methodName(tx *types.Transaction) (string, error) {
	if len(tx.Data()) < 4 {
		return "", errors.New("no selector")
	}
	if m, err := pawnABI.MethodById(tx.Data()[:4]); err == nil {
		return m.Name, nil
	}
	m, err := tokenABI.MethodById(tx.Data()[:4])
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

func newTestClient(t *testing.T, b *fakeBackend) *Client {
	t.Helper()
	key, err := crypto.ParsePrivateKey("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	require.NoError(t, err)
	signer, err := crypto.NewSigner(key, big.NewInt(300))
	require.NoError(t, err)
	c, err := NewClient(b, signer, Config{
		PawnAddress:  pawnAddr,
		USDTAddress:  usdtAddr,
		PollInterval: 5 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestSubmitCreateTxSendsCollateralWithSequentialNonces(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)

	collateral := big.NewInt(1e18)
	ref1, err := c.SubmitCreateTx(context.Background(), userAddr, collateral)
	require.NoError(t, err)
	ref2, err := c.SubmitCreateTx(context.Background(), userAddr, collateral)
	require.NoError(t, err)
	require.NotEqual(t, ref1, ref2)

	require.Len(t, b.sent, 2)
	require.Equal(t, uint64(5), b.sent[0].Nonce())
	require.Equal(t, uint64(6), b.sent[1].Nonce())
	require.Equal(t, 1, b.nonceQueries)
	require.Equal(t, collateral.String(), b.sent[0].Value().String())
	require.Equal(t, common.HexToAddress(pawnAddr), *b.sent[0].To())
	require.Equal(t, uint64(60_000), b.sent[0].Gas())
	require.Equal(t, big.NewInt(300).String(), b.sent[0].ChainId().String())

	name, err := methodName(b.sent[0])
	require.NoError(t, err)
	require.Equal(t, "createPawn", name)
}

func TestSendFailureResetsNonce(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)

	b.sendErr = errors.New("nonce too low")
	_, err := c.SubmitLiquidateTx(context.Background(), 3)
	require.Error(t, err)

	b.sendErr = nil
	_, err = c.SubmitLiquidateTx(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 2, b.nonceQueries)
}

func TestAwaitConfirmation(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)

	h := common.HexToHash("0xaa")
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.mu.Lock()
		b.receipts[h] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
		b.mu.Unlock()
	}()
	ok, err := c.AwaitConfirmation(context.Background(), domain.TxRef(h.Hex()))
	require.NoError(t, err)
	require.True(t, ok)

	failed := common.HexToHash("0xbb")
	b.mu.Lock()
	b.receipts[failed] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}
	b.mu.Unlock()
	ok, err = c.AwaitConfirmation(context.Background(), domain.TxRef(failed.Hex()))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAwaitConfirmationHonoursContext(t *testing.T) {
	c := newTestClient(t, newFakeBackend())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.AwaitConfirmation(ctx, "0xcc")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitRedeemApprovesThenRedeems(t *testing.T) {
	b := newFakeBackend()
	b.autoMine = true
	b.usdtBalance = big.NewInt(2_000_000_000)
	c := newTestClient(t, b)

	_, err := c.SubmitRedeemTx(context.Background(), 9, big.NewInt(1_540_000_000))
	require.NoError(t, err)
	require.Len(t, b.sent, 2)

	first, err := methodName(b.sent[0])
	require.NoError(t, err)
	require.Equal(t, "approve", first)
	require.Equal(t, common.HexToAddress(usdtAddr), *b.sent[0].To())

	second, err := methodName(b.sent[1])
	require.NoError(t, err)
	require.Equal(t, "redeemPawn", second)

	args, err := pawnABI.Methods["redeemPawn"].Inputs.Unpack(b.sent[1].Data()[4:])
	require.NoError(t, err)
	require.Equal(t, "9", args[0].(*big.Int).String())
}

func TestSubmitRedeemInsufficientBalance(t *testing.T) {
	b := newFakeBackend()
	b.usdtBalance = big.NewInt(10)
	c := newTestClient(t, b)

	_, err := c.SubmitRedeemTx(context.Background(), 1, big.NewInt(11))
	require.ErrorIs(t, err, domain.ErrTransactionFailed)
	require.Empty(t, b.sent)
}

func TestSubmitRedeemApproveReverted(t *testing.T) {
	b := newFakeBackend()
	b.autoMine = true
	b.revert["approve"] = true
	b.usdtBalance = big.NewInt(100)
	c := newTestClient(t, b)

	_, err := c.SubmitRedeemTx(context.Background(), 1, big.NewInt(50))
	require.ErrorIs(t, err, domain.ErrTransactionFailed)
	require.Len(t, b.sent, 1)
}

func TestResolvePositionID(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)

	h := common.HexToHash("0xdd")
	b.receipts[h] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			{Address: common.HexToAddress(usdtAddr), Topics: []common.Hash{pawnCreatedTopic, common.BigToHash(big.NewInt(1))}},
			{Address: common.HexToAddress(pawnAddr), Topics: []common.Hash{pawnCreatedTopic, common.BigToHash(big.NewInt(42)), common.HexToHash(userAddr)}},
		},
	}
	id, err := c.ResolvePositionID(context.Background(), domain.TxRef(h.Hex()))
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)

	empty := common.HexToHash("0xee")
	b.receipts[empty] = &types.Receipt{}
	_, err = c.ResolvePositionID(context.Background(), domain.TxRef(empty.Hex()))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReadsCountAndBalances(t *testing.T) {
	b := newFakeBackend()
	b.totalPawns = 17
	b.ethBalance = big.NewInt(123)
	b.usdtBalance = big.NewInt(456)
	c := newTestClient(t, b)

	n, err := c.GetOnChainPositionCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(17), n)

	bal, err := c.ReadBalance(context.Background(), userAddr, domain.BalanceETH)
	require.NoError(t, err)
	require.Equal(t, "123", bal.String())

	bal, err = c.ReadBalance(context.Background(), userAddr, "usdt")
	require.NoError(t, err)
	require.Equal(t, "456", bal.String())

	_, err = c.ReadBalance(context.Background(), userAddr, "DAI")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = c.ReadBalance(context.Background(), "bogus", domain.BalanceETH)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSendTimeoutReturnsRef(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(t, b)

	b.sendErr = context.DeadlineExceeded
	ref, err := c.SubmitCreateTx(context.Background(), userAddr, big.NewInt(1e18))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEmpty(t, ref)

	b.sendErr = errors.New("insufficient funds for gas")
	ref, err = c.SubmitLiquidateTx(context.Background(), 3)
	require.Error(t, err)
	require.Empty(t, ref)
}
