package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bullpawn/bullpawn/internal/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeOracle struct {
	mu sync.Mutex
	vp domain.ValidatedPrice
}

func newFakeOracle(dollars int64, conf domain.Confidence) *fakeOracle {
	o := &fakeOracle{}
	o.set(dollars, conf)
	return o
}

func (o *fakeOracle) set(dollars int64, conf domain.Confidence) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.vp = domain.ValidatedPrice{
		Asset:      domain.AssetETH,
		Price:      new(big.Int).Mul(big.NewInt(dollars), big.NewInt(1e8)),
		Confidence: conf,
		Sources:    []string{"fake"},
		ObservedAt: time.Now(),
	}
}

func (o *fakeOracle) GetValidatedPrice(ctx context.Context, _ string) (domain.ValidatedPrice, error) {
	if err := ctx.Err(); err != nil {
		return domain.ValidatedPrice{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	vp := o.vp
	vp.Price = new(big.Int).Set(o.vp.Price)
	return vp, nil
}

type submission struct {
	kind   string
	id     uint64
	amount *big.Int
}

type fakeChain struct {
	mu        sync.Mutex
	seq       int
	submitErr error
	// lostAck is returned alongside a real ref, as when the node takes the
	// transaction but the answer never arrives.
	lostAck   error
	reverted  map[domain.TxRef]bool
	awaits    int
	gate      chan struct{}
	subs      []submission
	total     int64
	eth, usdt *big.Int
}

func newFakeChain() *fakeChain {
	return &fakeChain{reverted: map[domain.TxRef]bool{}, eth: big.NewInt(0), usdt: big.NewInt(0)}
}

func (c *fakeChain) submit(kind string, id uint64, amount *big.Int) (domain.TxRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.seq++
	c.subs = append(c.subs, submission{kind: kind, id: id, amount: amount})
	if kind == "create" {
		c.total++
	}
	return domain.TxRef(fmt.Sprintf("0x%04x", c.seq)), c.lostAck
}

func (c *fakeChain) SubmitCreateTx(_ context.Context, _ string, collateral *big.Int) (domain.TxRef, error) {
	return c.submit("create", 0, collateral)
}

func (c *fakeChain) SubmitRedeemTx(_ context.Context, id uint64, repayment *big.Int) (domain.TxRef, error) {
	return c.submit("redeem", id, repayment)
}

func (c *fakeChain) SubmitLiquidateTx(_ context.Context, id uint64) (domain.TxRef, error) {
	return c.submit("liquidate", id, nil)
}

func (c *fakeChain) AwaitConfirmation(ctx context.Context, ref domain.TxRef) (bool, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaits++
	return !c.reverted[ref], nil
}

func (c *fakeChain) GetOnChainPositionCount(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, nil
}

func (c *fakeChain) ReadBalance(_ context.Context, _ string, asset string) (*big.Int, error) {
	if asset == domain.BalanceETH {
		return c.eth, nil
	}
	return c.usdt, nil
}

func (c *fakeChain) submissions(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subs {
		if s.kind == kind {
			n++
		}
	}
	return n
}

type captureReporter struct {
	mu     sync.Mutex
	ops    map[domain.Operation][]error
	txs    int
	active int64
}

func newCaptureReporter() *captureReporter {
	return &captureReporter{ops: map[domain.Operation][]error{}}
}

func (r *captureReporter) OperationFinished(op domain.Operation, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op] = append(r.ops[op], err)
}

func (r *captureReporter) TransactionFinished(domain.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs++
}

func (r *captureReporter) PriceServed(domain.ValidatedPrice, error) {}

func (r *captureReporter) ActivePositions(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

type memStore struct {
	mu     sync.Mutex
	rows   map[uint64]domain.Position
	lastID uint64
}

func (m *memStore) NextPositionID(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	return m.lastID, nil
}

func newMemStore() *memStore { return &memStore{rows: map[uint64]domain.Position{}} }

func (m *memStore) Upsert(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID > m.lastID {
		m.lastID = p.ID
	}
	m.rows[p.ID] = p.Clone()
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uint64) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) filter(keep func(domain.Position) bool) []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.rows))
	for _, p := range m.rows {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListByOwner(_ context.Context, owner string, _ domain.ListOpts) ([]domain.Position, error) {
	return m.filter(func(p domain.Position) bool { return strings.EqualFold(p.Owner, owner) }), nil
}

func (m *memStore) ListByState(_ context.Context, state domain.PositionState) ([]domain.Position, error) {
	return m.filter(func(p domain.Position) bool { return p.State == state }), nil
}

func (m *memStore) ListAll(context.Context) ([]domain.Position, error) {
	return m.filter(func(domain.Position) bool { return true }), nil
}

func (m *memStore) ListUpdatedSince(_ context.Context, since time.Time) ([]domain.Position, error) {
	return m.filter(func(p domain.Position) bool { return !p.UpdatedAt.Before(since) }), nil
}

func (m *memStore) ListClosedBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (m *memStore) MarkArchived(context.Context, []uint64) error { return nil }

type captureBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newCaptureBus() *captureBus { return &captureBus{messages: map[string][][]byte{}} }

func (b *captureBus) Publish(_ context.Context, ch string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[ch] = append(b.messages[ch], payload)
	return nil
}

func (b *captureBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *captureBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return b.Publish(ctx, stream, payload)
}

func (b *captureBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *captureBus) count(ch string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[ch])
}
