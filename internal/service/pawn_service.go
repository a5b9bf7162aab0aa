package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/ledger"
	"github.com/bullpawn/bullpawn/internal/loan"
)

// PriceOracle resolves a validated price for an asset.
type PriceOracle interface {
	GetValidatedPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error)
}

// PawnConfig holds the loan policy applied to new and existing positions.
type PawnConfig struct {
	Terms                   domain.LoanTerms
	LiquidationThresholdBps int64
	MinConfidence           domain.Confidence
	TxTimeout               time.Duration
}

// CreateResult is returned by CreatePosition.
type CreateResult struct {
	PositionID uint64
	TxRef      domain.TxRef
	Principal  *big.Int
	Position   domain.Position
}

// CloseResult is returned by RedeemPosition and LiquidatePosition.
type CloseResult struct {
	PositionID uint64
	TxRef      domain.TxRef
	Repayment  *big.Int
	Position   domain.Position
}

// LoanQuote previews the loan a collateral amount would receive right now.
type LoanQuote struct {
	Collateral       *big.Int
	Price            domain.ValidatedPrice
	Principal        *big.Int
	Repayment        *big.Int
	LiquidationPrice *big.Int
	MaturityAt       time.Time
}

// PawnService orchestrates the loan lifecycle: it prices collateral, sizes
// the loan, reserves the position, drives the contract transaction and
// finalizes the ledger once the transaction is confirmed.
type PawnService struct {
	cfg      PawnConfig
	ledger   *ledger.Ledger
	prices   PriceOracle
	chain    domain.ChainClient
	store    domain.PositionStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	reporter domain.Reporter
	now      func() time.Time
	logger   *slog.Logger

	inflight sync.WaitGroup

	syncMu   sync.Mutex
	syncedAt time.Time
}

// PawnOption configures optional PawnService collaborators.
type PawnOption func(*PawnService)

// WithPositionStore persists every position change.
func WithPositionStore(s domain.PositionStore) PawnOption {
	return func(p *PawnService) { p.store = s }
}

// WithSignalBus publishes position events.
func WithSignalBus(b domain.SignalBus) PawnOption {
	return func(p *PawnService) { p.bus = b }
}

// WithAuditStore records position events in the audit log.
func WithAuditStore(a domain.AuditStore) PawnOption {
	return func(p *PawnService) { p.audit = a }
}

// WithReporter installs an outcome observer.
func WithReporter(r domain.Reporter) PawnOption {
	return func(p *PawnService) {
		if r != nil {
			p.reporter = r
		}
	}
}

// WithClock overrides the service time source.
func WithClock(now func() time.Time) PawnOption {
	return func(p *PawnService) { p.now = now }
}

// NewPawnService creates a PawnService.
func NewPawnService(
	cfg PawnConfig,
	led *ledger.Ledger,
	prices PriceOracle,
	chain domain.ChainClient,
	logger *slog.Logger,
	opts ...PawnOption,
) *PawnService {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Minute
	}
	if cfg.MinConfidence == "" {
		cfg.MinConfidence = domain.ConfidenceFallbackAPI
	}
	s := &PawnService{
		cfg:      cfg,
		ledger:   led,
		prices:   prices,
		chain:    chain,
		reporter: domain.NopReporter{},
		now:      time.Now,
		logger:   logger.With(slog.String("component", "pawn_service")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreatePosition opens a loan against collateral (wei) for owner.
func (s *PawnService) CreatePosition(ctx context.Context, owner string, collateral *big.Int) (res CreateResult, err error) {
	start := s.now()
	defer func() { s.reporter.OperationFinished(domain.OpCreate, err, s.now().Sub(start)) }()

	owner, err = normalizeAddress(owner)
	if err != nil {
		return CreateResult{}, err
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return CreateResult{}, fmt.Errorf("pawn_service: collateral must be positive: %w", domain.ErrInvalidInput)
	}

	vp, err := s.price(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	principal, err := loan.ComputeLoanAmount(collateral, vp.Price, s.cfg.Terms.LTVBps)
	if err != nil {
		return CreateResult{}, fmt.Errorf("pawn_service: compute loan: %w", err)
	}
	if principal.Sign() == 0 {
		return CreateResult{}, fmt.Errorf("pawn_service: collateral too small for any loan: %w", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return CreateResult{}, fmt.Errorf("pawn_service: create: %w", err)
	}

	id, err := s.reserve(ctx, owner, collateral, vp.Price, principal)
	if err != nil {
		return CreateResult{}, err
	}
	_, release, err := s.ledger.Claim(id, domain.StatePending)
	if err != nil {
		return CreateResult{}, fmt.Errorf("pawn_service: claim new position %d: %w", id, err)
	}

	ref, err := s.chain.SubmitCreateTx(ctx, owner, collateral)
	if err != nil && ref == "" {
		// Nothing reached the chain: drop the reservation.
		if rerr := s.ledger.Release(id); rerr != nil {
			s.logger.WarnContext(ctx, "pawn_service: release reservation failed",
				slog.Uint64("position_id", id),
				slog.String("error", rerr.Error()),
			)
		}
		release()
		s.reporter.TransactionFinished(domain.OpCreate, err)
		s.record(ctx, "position.create_aborted", id, map[string]any{"error": err.Error()})
		return CreateResult{}, fmt.Errorf("pawn_service: submit create: %w", txFailure(err))
	}
	s.unacknowledged(ctx, id, ref, err)
	if err := s.ledger.RecordTx(id, ref); err != nil {
		s.logger.WarnContext(ctx, "pawn_service: record tx failed", slog.Uint64("position_id", id), slog.String("error", err.Error()))
	}
	s.persistID(ctx, id)

	pos, err := s.afterSubmit(ctx, func(ctx context.Context) (domain.Position, error) {
		defer release()
		return s.confirmCreate(ctx, id, ref, principal)
	})
	if err != nil {
		return CreateResult{PositionID: id, TxRef: ref}, err
	}
	return CreateResult{PositionID: id, TxRef: ref, Principal: principal, Position: pos}, nil
}

// reserve records the pending position, drawing its id from the store when
// the store allocates ids for every process sharing it.
func (s *PawnService) reserve(ctx context.Context, owner string, collateral, price, principal *big.Int) (uint64, error) {
	alloc, ok := s.store.(domain.PositionIDAllocator)
	if !ok {
		id, err := s.ledger.Reserve(owner, collateral, price, principal, s.cfg.Terms)
		if err != nil {
			return 0, fmt.Errorf("pawn_service: reserve: %w", err)
		}
		return id, nil
	}
	id, err := alloc.NextPositionID(ctx)
	if err != nil {
		return 0, fmt.Errorf("pawn_service: allocate position id: %w", err)
	}
	if err := s.ledger.ReserveID(id, owner, collateral, price, principal, s.cfg.Terms); err != nil {
		return 0, fmt.Errorf("pawn_service: reserve: %w", err)
	}
	return id, nil
}

func (s *PawnService) confirmCreate(ctx context.Context, id uint64, ref domain.TxRef, principal *big.Int) (domain.Position, error) {
	if err := s.confirm(ctx, domain.OpCreate, ref); err != nil {
		if errors.Is(err, domain.ErrTxReverted) {
			if pos, ferr := s.ledger.FailCreate(id); ferr == nil {
				s.persist(ctx, pos)
			}
			s.record(ctx, "position.create_failed", id, map[string]any{"tx": string(ref), "error": err.Error()})
		} else {
			s.logger.WarnContext(ctx, "pawn_service: create unconfirmed; position stays pending",
				slog.Uint64("position_id", id),
				slog.String("tx", string(ref)),
				slog.String("error", err.Error()),
			)
		}
		return domain.Position{}, fmt.Errorf("pawn_service: create position %d: %w", id, err)
	}

	if resolver, ok := s.chain.(domain.PositionIDResolver); ok {
		chainID, err := resolver.ResolvePositionID(ctx, ref)
		if err != nil {
			s.logger.WarnContext(ctx, "pawn_service: resolve chain position id failed",
				slog.Uint64("position_id", id),
				slog.String("error", err.Error()),
			)
		} else if err := s.ledger.SetChainPositionID(id, chainID); err != nil {
			s.logger.WarnContext(ctx, "pawn_service: set chain position id failed", slog.String("error", err.Error()))
		}
	}

	pos, err := s.ledger.Activate(id, principal, s.now().Add(s.cfg.Terms.Term))
	if err != nil {
		return domain.Position{}, fmt.Errorf("pawn_service: activate position %d: %w", id, err)
	}
	s.changed(ctx, pos, "position.activated")
	s.logger.InfoContext(ctx, "pawn_service: position activated",
		slog.Uint64("position_id", pos.ID),
		slog.String("owner", pos.Owner),
		slog.String("principal", loan.FormatUnits(pos.Principal, loan.StableDecimals)),
		slog.String("tx", string(ref)),
	)
	return pos, nil
}

// ResumePending re-awaits the recorded create transaction of a pending
// position and activates it once confirmed. A create that reverted is final
// and cannot be resumed.
func (s *PawnService) ResumePending(ctx context.Context, id uint64) (domain.Position, error) {
	pos, release, err := s.ledger.Claim(id, domain.StatePending)
	if err != nil {
		return domain.Position{}, fmt.Errorf("pawn_service: resume: %w", err)
	}
	if pos.CreateTxRef == "" {
		release()
		return domain.Position{}, fmt.Errorf("pawn_service: position %d has no recorded transaction: %w", id, domain.ErrInvalidTransition)
	}
	if pos.FailedAt != nil {
		release()
		return domain.Position{}, fmt.Errorf("pawn_service: position %d create reverted: %w", id, domain.ErrInvalidTransition)
	}
	principal := pos.Principal
	if principal == nil {
		principal, err = loan.ComputeLoanAmount(pos.CollateralAmount, pos.CreationPrice, pos.LTVBps)
		if err != nil {
			release()
			return domain.Position{}, fmt.Errorf("pawn_service: resume: %w", err)
		}
	}
	return s.afterSubmit(ctx, func(ctx context.Context) (domain.Position, error) {
		defer release()
		return s.confirmCreate(ctx, id, pos.CreateTxRef, principal)
	})
}

// RedeemPosition repays an active loan and releases the collateral.
func (s *PawnService) RedeemPosition(ctx context.Context, owner string, id uint64, offered *big.Int) (res CloseResult, err error) {
	start := s.now()
	defer func() { s.reporter.OperationFinished(domain.OpRedeem, err, s.now().Sub(start)) }()

	owner, err = normalizeAddress(owner)
	if err != nil {
		return CloseResult{}, err
	}
	s.refreshOne(ctx, id)
	current, err := s.ledger.Get(id)
	if err != nil {
		return CloseResult{}, fmt.Errorf("pawn_service: redeem: %w", err)
	}
	if !strings.EqualFold(current.Owner, owner) {
		return CloseResult{}, fmt.Errorf("pawn_service: position %d not owned by %s: %w", id, owner, domain.ErrUnauthorized)
	}

	pos, release, err := s.ledger.Claim(id, domain.StateActive)
	if err != nil {
		return CloseResult{}, fmt.Errorf("pawn_service: redeem: %w", err)
	}
	required, err := loan.ComputeRepaymentAmount(pos.Principal, pos.InterestRateBps)
	if err != nil {
		release()
		return CloseResult{}, fmt.Errorf("pawn_service: redeem: %w", err)
	}
	if offered == nil || offered.Cmp(required) < 0 {
		release()
		return CloseResult{}, fmt.Errorf("pawn_service: position %d requires %s: %w",
			id, loan.FormatUnits(required, loan.StableDecimals), domain.ErrInsufficientRepayment)
	}
	if err := ctx.Err(); err != nil {
		release()
		return CloseResult{}, fmt.Errorf("pawn_service: redeem: %w", err)
	}

	ref, err := s.chain.SubmitRedeemTx(ctx, pos.OnChainID(), required)
	if err != nil && ref == "" {
		release()
		s.reporter.TransactionFinished(domain.OpRedeem, err)
		s.record(ctx, "position.redeem_failed", id, map[string]any{"error": err.Error()})
		return CloseResult{PositionID: id}, fmt.Errorf("pawn_service: submit redeem for position %d: %w", id, txFailure(err))
	}
	s.unacknowledged(ctx, id, ref, err)
	_ = s.ledger.RecordTx(id, ref)

	closed, err := s.afterSubmit(ctx, func(ctx context.Context) (domain.Position, error) {
		defer release()
		if err := s.confirm(ctx, domain.OpRedeem, ref); err != nil {
			s.record(ctx, "position.redeem_failed", id, map[string]any{"tx": string(ref), "error": err.Error()})
			return domain.Position{}, fmt.Errorf("pawn_service: redeem position %d: %w", id, err)
		}
		p, err := s.ledger.Redeem(id)
		if err != nil {
			return domain.Position{}, fmt.Errorf("pawn_service: redeem position %d: %w", id, err)
		}
		s.changed(ctx, p, "position.redeemed")
		return p, nil
	})
	if err != nil {
		return CloseResult{PositionID: id, TxRef: ref}, err
	}
	return CloseResult{PositionID: id, TxRef: ref, Repayment: required, Position: closed}, nil
}

// LiquidatePosition liquidates an active position whose collateral price has
// fallen to the liquidation threshold.
func (s *PawnService) LiquidatePosition(ctx context.Context, id uint64) (res CloseResult, err error) {
	start := s.now()
	defer func() { s.reporter.OperationFinished(domain.OpLiquidate, err, s.now().Sub(start)) }()

	s.refreshOne(ctx, id)
	pos, release, err := s.ledger.Claim(id, domain.StateActive)
	if err != nil {
		return CloseResult{}, fmt.Errorf("pawn_service: liquidate: %w", err)
	}
	liquidatable, vp, err := s.evaluate(ctx, pos)
	if err != nil {
		release()
		return CloseResult{}, err
	}
	if !liquidatable {
		release()
		return CloseResult{}, fmt.Errorf("pawn_service: position %d at price %s: %w",
			id, loan.FormatUnits(vp.Price, domain.PriceDecimals), domain.ErrNotLiquidatable)
	}
	if err := ctx.Err(); err != nil {
		release()
		return CloseResult{}, fmt.Errorf("pawn_service: liquidate: %w", err)
	}

	ref, err := s.chain.SubmitLiquidateTx(ctx, pos.OnChainID())
	if err != nil && ref == "" {
		release()
		s.reporter.TransactionFinished(domain.OpLiquidate, err)
		s.record(ctx, "position.liquidate_failed", id, map[string]any{"error": err.Error()})
		return CloseResult{PositionID: id}, fmt.Errorf("pawn_service: submit liquidate for position %d: %w", id, txFailure(err))
	}
	s.unacknowledged(ctx, id, ref, err)
	_ = s.ledger.RecordTx(id, ref)

	closed, err := s.afterSubmit(ctx, func(ctx context.Context) (domain.Position, error) {
		defer release()
		if err := s.confirm(ctx, domain.OpLiquidate, ref); err != nil {
			s.record(ctx, "position.liquidate_failed", id, map[string]any{"tx": string(ref), "error": err.Error()})
			return domain.Position{}, fmt.Errorf("pawn_service: liquidate position %d: %w", id, err)
		}
		p, err := s.ledger.Liquidate(id)
		if err != nil {
			return domain.Position{}, fmt.Errorf("pawn_service: liquidate position %d: %w", id, err)
		}
		s.changed(ctx, p, "position.liquidated")
		s.logger.InfoContext(ctx, "pawn_service: position liquidated",
			slog.Uint64("position_id", id),
			slog.String("price", loan.FormatUnits(vp.Price, domain.PriceDecimals)),
		)
		return p, nil
	})
	if err != nil {
		return CloseResult{PositionID: id, TxRef: ref}, err
	}
	return CloseResult{PositionID: id, TxRef: ref, Position: closed}, nil
}

// CheckLiquidatable reports whether LiquidatePosition would proceed, without
// submitting anything.
func (s *PawnService) CheckLiquidatable(ctx context.Context, id uint64) (ok bool, err error) {
	start := s.now()
	defer func() { s.reporter.OperationFinished(domain.OpCheck, err, s.now().Sub(start)) }()

	s.refreshOne(ctx, id)
	pos, err := s.ledger.Get(id)
	if err != nil {
		return false, fmt.Errorf("pawn_service: check: %w", err)
	}
	if pos.State != domain.StateActive {
		return false, fmt.Errorf("pawn_service: position %d is %s: %w", id, pos.State, domain.ErrInvalidTransition)
	}
	ok, _, err = s.evaluate(ctx, pos)
	return ok, err
}

func (s *PawnService) evaluate(ctx context.Context, pos domain.Position) (bool, domain.ValidatedPrice, error) {
	vp, err := s.price(ctx)
	if err != nil {
		return false, domain.ValidatedPrice{}, err
	}
	ok, err := loan.ShouldLiquidate(pos, vp.Price, s.cfg.LiquidationThresholdBps)
	if err != nil {
		return false, vp, fmt.Errorf("pawn_service: evaluate position %d: %w", pos.ID, err)
	}
	return ok, vp, nil
}

// LiquidationCandidates prices collateral once and returns the active
// positions that are liquidatable at that price.
func (s *PawnService) LiquidationCandidates(ctx context.Context) ([]domain.Position, domain.ValidatedPrice, error) {
	vp, err := s.price(ctx)
	if err != nil {
		return nil, domain.ValidatedPrice{}, err
	}
	var out []domain.Position
	for _, pos := range s.ledger.ListByState(domain.StateActive) {
		ok, err := loan.ShouldLiquidate(pos, vp.Price, s.cfg.LiquidationThresholdBps)
		if err != nil {
			s.logger.WarnContext(ctx, "pawn_service: evaluate failed",
				slog.Uint64("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			out = append(out, pos)
		}
	}
	return out, vp, nil
}

// PendingWithTx returns pending positions whose create transaction is on
// record and has not reverted.
func (s *PawnService) PendingWithTx() []domain.Position {
	var out []domain.Position
	for _, pos := range s.ledger.ListByState(domain.StatePending) {
		if pos.CreateTxRef != "" && pos.FailedAt == nil {
			out = append(out, pos)
		}
	}
	return out
}

// QuoteLoan previews the loan for collateral at the current price.
func (s *PawnService) QuoteLoan(ctx context.Context, collateral *big.Int) (LoanQuote, error) {
	if collateral == nil || collateral.Sign() <= 0 {
		return LoanQuote{}, fmt.Errorf("pawn_service: collateral must be positive: %w", domain.ErrInvalidInput)
	}
	vp, err := s.prices.GetValidatedPrice(ctx, domain.AssetETH)
	if err != nil {
		return LoanQuote{}, fmt.Errorf("pawn_service: quote: %w", err)
	}
	principal, err := loan.ComputeLoanAmount(collateral, vp.Price, s.cfg.Terms.LTVBps)
	if err != nil {
		return LoanQuote{}, fmt.Errorf("pawn_service: quote: %w", err)
	}
	repayment, err := loan.ComputeRepaymentAmount(principal, s.cfg.Terms.InterestRateBps)
	if err != nil {
		return LoanQuote{}, fmt.Errorf("pawn_service: quote: %w", err)
	}
	liqPrice, err := loan.LiquidationPrice(domain.Position{CreationPrice: vp.Price}, s.cfg.LiquidationThresholdBps)
	if err != nil {
		return LoanQuote{}, fmt.Errorf("pawn_service: quote: %w", err)
	}
	return LoanQuote{
		Collateral:       new(big.Int).Set(collateral),
		Price:            vp,
		Principal:        principal,
		Repayment:        repayment,
		LiquidationPrice: liqPrice,
		MaturityAt:       s.now().Add(s.cfg.Terms.Term).UTC(),
	}, nil
}

// RepaymentQuote returns the amount required to redeem position id.
func (s *PawnService) RepaymentQuote(ctx context.Context, id uint64) (*big.Int, error) {
	s.refreshOne(ctx, id)
	pos, err := s.ledger.Get(id)
	if err != nil {
		return nil, fmt.Errorf("pawn_service: repayment quote: %w", err)
	}
	if pos.State != domain.StateActive {
		return nil, fmt.Errorf("pawn_service: position %d is %s: %w", id, pos.State, domain.ErrInvalidTransition)
	}
	return loan.ComputeRepaymentAmount(pos.Principal, pos.InterestRateBps)
}

// GetPosition returns a single position.
func (s *PawnService) GetPosition(ctx context.Context, id uint64) (domain.Position, error) {
	s.refreshOne(ctx, id)
	pos, err := s.ledger.Get(id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("pawn_service: get position: %w", err)
	}
	return pos, nil
}

// ListPositions returns owner's positions in creation order.
func (s *PawnService) ListPositions(ctx context.Context, owner string) ([]domain.Position, error) {
	owner, err := normalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		rows, err := s.store.ListByOwner(ctx, owner, domain.ListOpts{})
		if err != nil {
			s.logger.WarnContext(ctx, "pawn_service: refresh owner failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		} else {
			s.ledger.Merge(rows)
		}
	}
	return s.ledger.ListByOwner(owner), nil
}

// Balances returns the ETH and USDT balances of address.
func (s *PawnService) Balances(ctx context.Context, address string) (map[string]*big.Int, error) {
	address, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int, 2)
	for _, asset := range []string{domain.BalanceETH, domain.BalanceUSDT} {
		bal, err := s.chain.ReadBalance(ctx, address, asset)
		if err != nil {
			return nil, fmt.Errorf("pawn_service: %s balance: %w", asset, err)
		}
		out[asset] = bal
	}
	return out, nil
}

// Counts returns the number of positions per state.
func (s *PawnService) Counts() map[domain.PositionState]int64 {
	return s.ledger.Counts()
}

// Config returns the loan policy in force.
func (s *PawnService) Config() PawnConfig { return s.cfg }

// ReconcileActive reports the active count and compares the number of
// confirmed positions with the contract's total. It returns the local active
// count and the contract total.
func (s *PawnService) ReconcileActive(ctx context.Context) (int64, int64, error) {
	counts := s.ledger.Counts()
	active := counts[domain.StateActive]
	s.reporter.ActivePositions(active)

	onChain, err := s.chain.GetOnChainPositionCount(ctx)
	if err != nil {
		return active, 0, fmt.Errorf("pawn_service: on-chain count: %w", err)
	}
	confirmed := int64(s.ledger.Len()) - counts[domain.StatePending]
	if confirmed != onChain {
		s.logger.WarnContext(ctx, "pawn_service: ledger and contract disagree",
			slog.Int64("local_confirmed", confirmed),
			slog.Int64("on_chain", onChain),
		)
	}
	return active, onChain, nil
}

// Restore loads persisted positions into the ledger. It is a no-op without a
// position store.
func (s *PawnService) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := s.now()
	positions, err := s.store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("pawn_service: restore: %w", err)
	}
	if err := s.ledger.Restore(positions); err != nil {
		return 0, fmt.Errorf("pawn_service: restore: %w", err)
	}
	s.syncedAt = start
	s.reporter.ActivePositions(s.ledger.Counts()[domain.StateActive])
	return len(positions), nil
}

// syncOverlap re-reads a window of rows already seen so clock skew between
// processes and the database cannot hide a write.
const syncOverlap = time.Minute

// Refresh merges positions that other processes wrote to the shared store
// since the previous refresh. It returns how many positions changed and is a
// no-op without a position store.
func (s *PawnService) Refresh(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := s.now()
	var since time.Time
	if !s.syncedAt.IsZero() {
		since = s.syncedAt.Add(-syncOverlap)
	}
	rows, err := s.store.ListUpdatedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("pawn_service: refresh: %w", err)
	}
	n := s.ledger.Merge(rows)
	s.syncedAt = start
	if n > 0 {
		s.reporter.ActivePositions(s.ledger.Counts()[domain.StateActive])
		s.logger.DebugContext(ctx, "pawn_service: merged stored positions", slog.Int("changed", n))
	}
	return n, nil
}

// Sync refreshes from the store every interval until ctx ends.
func (s *PawnService) Sync(ctx context.Context, interval time.Duration) error {
	if s.store == nil || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "pawn_service: sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// refreshOne merges the stored copy of id, if any. Failures leave the local
// copy in place.
func (s *PawnService) refreshOne(ctx context.Context, id uint64) {
	if s.store == nil {
		return
	}
	pos, err := s.store.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "pawn_service: refresh position failed",
				slog.Uint64("position_id", id),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	s.ledger.Merge([]domain.Position{pos})
}

// unacknowledged logs a submission the node may or may not have received.
func (s *PawnService) unacknowledged(ctx context.Context, id uint64, ref domain.TxRef, err error) {
	if err == nil {
		return
	}
	s.logger.WarnContext(ctx, "pawn_service: broadcast unacknowledged; awaiting receipt",
		slog.Uint64("position_id", id),
		slog.String("tx", string(ref)),
		slog.String("error", err.Error()),
	)
}

// Wait blocks until every confirmation running in the background has
// finished or ctx ends.
func (s *PawnService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PawnService) price(ctx context.Context) (domain.ValidatedPrice, error) {
	vp, err := s.prices.GetValidatedPrice(ctx, domain.AssetETH)
	if err != nil {
		return domain.ValidatedPrice{}, fmt.Errorf("pawn_service: price: %w", err)
	}
	if !vp.Confidence.AtLeast(s.cfg.MinConfidence) {
		return domain.ValidatedPrice{}, fmt.Errorf("pawn_service: price confidence %s below %s: %w",
			vp.Confidence, s.cfg.MinConfidence, domain.ErrLowConfidencePrice)
	}
	return vp, nil
}

// afterSubmit runs work, which must finish what a submitted transaction
// started, on a context detached from the caller and bounded by TxTimeout.
// If the caller gives up first it gets ctx.Err() while work carries on.
func (s *PawnService) afterSubmit(ctx context.Context, work func(context.Context) (domain.Position, error)) (domain.Position, error) {
	type outcome struct {
		pos domain.Position
		err error
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TxTimeout)
	done := make(chan outcome, 1)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		pos, err := work(detached)
		done <- outcome{pos, err}
	}()

	select {
	case o := <-done:
		return o.pos, o.err
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "pawn_service: caller cancelled after submission; confirmation continues")
		return domain.Position{}, fmt.Errorf("pawn_service: %w", ctx.Err())
	}
}

func (s *PawnService) confirm(ctx context.Context, op domain.Operation, ref domain.TxRef) error {
	ok, err := s.chain.AwaitConfirmation(ctx, ref)
	switch {
	case err != nil:
		err = fmt.Errorf("await %s: %w: %w", ref, err, domain.ErrTransactionFailed)
	case !ok:
		err = fmt.Errorf("transaction %s: %w: %w", ref, domain.ErrTxReverted, domain.ErrTransactionFailed)
	}
	s.reporter.TransactionFinished(op, err)
	return err
}

func (s *PawnService) persistID(ctx context.Context, id uint64) {
	if s.store == nil {
		return
	}
	pos, err := s.ledger.Get(id)
	if err != nil {
		return
	}
	s.persist(ctx, pos)
}

func (s *PawnService) persist(ctx context.Context, pos domain.Position) {
	if s.store == nil {
		return
	}
	if err := s.store.Upsert(ctx, pos); err != nil {
		s.logger.WarnContext(ctx, "pawn_service: persist position failed",
			slog.Uint64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// changed persists pos and fans the change out to the bus and the audit log.
func (s *PawnService) changed(ctx context.Context, pos domain.Position, event string) {
	s.persist(ctx, pos)
	s.reporter.ActivePositions(s.ledger.Counts()[domain.StateActive])

	detail := positionEvent(pos)
	detail["event"] = event
	if s.bus != nil {
		payload, _ := json.Marshal(detail)
		if err := s.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
			s.logger.WarnContext(ctx, "pawn_service: publish event failed",
				slog.Uint64("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		if err := s.bus.StreamAppend(ctx, domain.StreamPositions, payload); err != nil {
			s.logger.WarnContext(ctx, "pawn_service: stream append failed", slog.String("error", err.Error()))
		}
	}
	s.record(ctx, event, pos.ID, detail)
}

func (s *PawnService) record(ctx context.Context, event string, id uint64, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["position_id"] = id
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "pawn_service: audit log failed",
			slog.Uint64("position_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func positionEvent(pos domain.Position) map[string]any {
	return map[string]any{
		"position_id": pos.ID,
		"owner":       pos.Owner,
		"state":       string(pos.State),
		"collateral":  loan.FormatUnits(pos.CollateralAmount, loan.CollateralDecimals),
		"principal":   loan.FormatUnits(pos.Principal, loan.StableDecimals),
		"tx":          string(pos.CreateTxRef),
		"close_tx":    string(pos.CloseTxRef),
		"timestamp":   pos.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("pawn_service: invalid address %q: %w", addr, domain.ErrInvalidInput)
	}
	return common.HexToAddress(addr).Hex(), nil
}

func txFailure(err error) error {
	if errors.Is(err, domain.ErrTransactionFailed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", err, domain.ErrTransactionFailed)
}
