// Package ledger keeps the authoritative in-memory record of pawn positions
// and enforces their state machine:
//
//	pending -> active -> redeemed
//	                  -> liquidated
//
// The id map is guarded by one RWMutex; each position has its own mutex so
// transitions on different ids never contend.
package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bullpawn/bullpawn/internal/domain"
)

type entry struct {
	mu       sync.Mutex
	pos      domain.Position
	inFlight bool
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	lastID  uint64
	entries map[uint64]*entry
	byOwner map[string][]uint64
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for CreatedAt/ClosedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns an empty ledger whose first position id will be 1.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[uint64]*entry),
		byOwner: make(map[string][]uint64),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Reserve allocates the next position id and records a pending position with
// the given frozen terms and principal. Locally allocated ids are strictly
// increasing and never reused; a released reservation leaves a gap.
func (l *Ledger) Reserve(owner string, collateral, price, principal *big.Int, terms domain.LoanTerms) (uint64, error) {
	pos, err := l.pending(owner, collateral, price, principal, terms)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastID++
	l.insertLocked(l.lastID, pos)
	return l.lastID, nil
}

// ReserveID is Reserve with an id allocated elsewhere, such as a database
// sequence shared by several processes. The id must not be in use.
func (l *Ledger) ReserveID(id uint64, owner string, collateral, price, principal *big.Int, terms domain.LoanTerms) error {
	if id == 0 {
		return fmt.Errorf("ledger: reserve: zero id: %w", domain.ErrInvalidInput)
	}
	pos, err := l.pending(owner, collateral, price, principal, terms)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.entries[id]; dup {
		return fmt.Errorf("ledger: reserve: id %d already in use: %w", id, domain.ErrInvalidInput)
	}
	if id > l.lastID {
		l.lastID = id
	}
	l.insertLocked(id, pos)
	return nil
}

func (l *Ledger) pending(owner string, collateral, price, principal *big.Int, terms domain.LoanTerms) (domain.Position, error) {
	if owner == "" {
		return domain.Position{}, fmt.Errorf("ledger: reserve: empty owner: %w", domain.ErrInvalidInput)
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: reserve: collateral must be positive: %w", domain.ErrInvalidInput)
	}
	if price == nil || price.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("ledger: reserve: price must be positive: %w", domain.ErrInvalidInput)
	}
	if principal == nil || principal.Sign() < 0 {
		return domain.Position{}, fmt.Errorf("ledger: reserve: principal must be non-negative: %w", domain.ErrInvalidInput)
	}
	now := l.now().UTC()
	return domain.Position{
		Owner:            owner,
		CollateralAmount: new(big.Int).Set(collateral),
		Principal:        new(big.Int).Set(principal),
		CreationPrice:    new(big.Int).Set(price),
		LTVBps:           terms.LTVBps,
		InterestRateBps:  terms.InterestRateBps,
		CreatedAt:        now,
		State:            domain.StatePending,
		UpdatedAt:        now,
	}, nil
}

func (l *Ledger) insertLocked(id uint64, pos domain.Position) {
	pos.ID = id
	l.entries[id] = &entry{pos: pos}
	key := ownerKey(pos.Owner)
	ids := l.byOwner[key]
	// Merged ids can arrive out of order; keep creation order.
	i := sort.Search(len(ids), func(i int) bool { return ids[i] > id })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	l.byOwner[key] = ids
}

// Release drops a pending reservation whose create transaction was never
// broadcast. The id is not handed out again.
func (l *Ledger) Release(id uint64) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.pos.State != domain.StatePending || e.pos.CreateTxRef != "" {
		e.mu.Unlock()
		return fmt.Errorf("ledger: release %d: position is %s with tx %q: %w",
			id, e.pos.State, e.pos.CreateTxRef, domain.ErrInvalidTransition)
	}
	owner := ownerKey(e.pos.Owner)
	e.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
	ids := l.byOwner[owner]
	for i, v := range ids {
		if v == id {
			l.byOwner[owner] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(l.byOwner[owner]) == 0 {
		delete(l.byOwner, owner)
	}
	return nil
}

// Activate moves a pending position to active and fixes its maturity. The
// principal must match the one reserved.
func (l *Ledger) Activate(id uint64, principal *big.Int, maturityAt time.Time) (domain.Position, error) {
	if principal == nil || principal.Sign() < 0 {
		return domain.Position{}, fmt.Errorf("ledger: activate %d: principal must be non-negative: %w", id, domain.ErrInvalidInput)
	}
	e, err := l.lookup(id)
	if err != nil {
		return domain.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State != domain.StatePending || e.pos.FailedAt != nil {
		return domain.Position{}, fmt.Errorf("ledger: activate %d: position is %s: %w", id, describe(e.pos), domain.ErrInvalidTransition)
	}
	if e.pos.Principal != nil && e.pos.Principal.Cmp(principal) != 0 {
		return domain.Position{}, fmt.Errorf("ledger: activate %d: principal %s differs from reserved %s: %w",
			id, principal, e.pos.Principal, domain.ErrInvalidInput)
	}
	e.pos.State = domain.StateActive
	e.pos.Principal = new(big.Int).Set(principal)
	e.pos.MaturityAt = maturityAt.UTC()
	e.pos.UpdatedAt = l.now().UTC()
	return e.pos.Clone(), nil
}

// FailCreate marks a pending position whose create transaction reverted. It
// stays pending but can no longer be activated or resumed.
func (l *Ledger) FailCreate(id uint64) (domain.Position, error) {
	e, err := l.lookup(id)
	if err != nil {
		return domain.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State != domain.StatePending || e.pos.FailedAt != nil {
		return domain.Position{}, fmt.Errorf("ledger: fail %d: position is %s: %w", id, describe(e.pos), domain.ErrInvalidTransition)
	}
	t := l.now().UTC()
	e.pos.FailedAt = &t
	e.pos.UpdatedAt = t
	return e.pos.Clone(), nil
}

func describe(p domain.Position) string {
	if p.FailedAt != nil {
		return "failed " + string(p.State)
	}
	return string(p.State)
}

// Redeem moves an active position to redeemed.
func (l *Ledger) Redeem(id uint64) (domain.Position, error) {
	return l.transition(id, domain.StateActive, domain.StateRedeemed, l.close)
}

// Liquidate moves an active position to liquidated.
func (l *Ledger) Liquidate(id uint64) (domain.Position, error) {
	return l.transition(id, domain.StateActive, domain.StateLiquidated, l.close)
}

func (l *Ledger) close(p *domain.Position) {
	t := l.now().UTC()
	p.ClosedAt = &t
}

func (l *Ledger) transition(id uint64, from, to domain.PositionState, apply func(*domain.Position)) (domain.Position, error) {
	e, err := l.lookup(id)
	if err != nil {
		return domain.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State != from {
		return domain.Position{}, fmt.Errorf("ledger: position %d is %s, want %s: %w", id, e.pos.State, from, domain.ErrInvalidTransition)
	}
	e.pos.State = to
	apply(&e.pos)
	e.pos.UpdatedAt = l.now().UTC()
	return e.pos.Clone(), nil
}

// Claim marks an operation on id as in flight, provided the position is in
// state want and no other operation holds it. A competing Claim fails with
// ErrInvalidTransition. The returned release must be called exactly once
// when the operation finishes, whatever its outcome.
func (l *Ledger) Claim(id uint64, want domain.PositionState) (domain.Position, func(), error) {
	e, err := l.lookup(id)
	if err != nil {
		return domain.Position{}, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State != want {
		return domain.Position{}, nil, fmt.Errorf("ledger: position %d is %s, want %s: %w", id, e.pos.State, want, domain.ErrInvalidTransition)
	}
	if e.inFlight {
		return domain.Position{}, nil, fmt.Errorf("ledger: position %d has an operation in flight: %w", id, domain.ErrInvalidTransition)
	}
	e.inFlight = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.mu.Lock()
			e.inFlight = false
			e.mu.Unlock()
		})
	}
	return e.pos.Clone(), release, nil
}

// RecordTx attaches a submitted transaction to a position: the create tx while
// pending, the closing tx otherwise.
func (l *Ledger) RecordTx(id uint64, ref domain.TxRef) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.State == domain.StatePending {
		e.pos.CreateTxRef = ref
	} else {
		e.pos.CloseTxRef = ref
	}
	e.pos.UpdatedAt = l.now().UTC()
	return nil
}

// SetChainPositionID records the id the contract assigned to a position.
func (l *Ledger) SetChainPositionID(id, chainID uint64) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pos.ChainPositionID = chainID
	e.mu.Unlock()
	return nil
}

// Get returns a copy of the position.
func (l *Ledger) Get(id uint64) (domain.Position, error) {
	e, err := l.lookup(id)
	if err != nil {
		return domain.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos.Clone(), nil
}

// ListByOwner returns the owner's positions in the order they were reserved.
// Owner matching is case-insensitive.
func (l *Ledger) ListByOwner(owner string) []domain.Position {
	l.mu.RLock()
	ids := append([]uint64(nil), l.byOwner[ownerKey(owner)]...)
	l.mu.RUnlock()
	return l.snapshot(ids)
}

// ListByState returns every position currently in state, ordered by id.
func (l *Ledger) ListByState(state domain.PositionState) []domain.Position {
	var out []domain.Position
	for _, p := range l.snapshot(l.ids()) {
		if p.State == state {
			out = append(out, p)
		}
	}
	return out
}

// Counts returns the number of positions per state.
func (l *Ledger) Counts() map[domain.PositionState]int64 {
	counts := make(map[domain.PositionState]int64, 4)
	for _, p := range l.snapshot(l.ids()) {
		counts[p.State]++
	}
	return counts
}

// Len returns the number of positions ever reserved.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Restore seeds an empty ledger from persisted positions. The next reserved
// id continues after the highest restored id.
func (l *Ledger) Restore(positions []domain.Position) error {
	sorted := make([]domain.Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > 0 {
		return fmt.Errorf("ledger: restore into non-empty ledger: %w", domain.ErrInvalidTransition)
	}
	for _, p := range sorted {
		if p.ID == 0 {
			return fmt.Errorf("ledger: restore: position with zero id: %w", domain.ErrInvalidInput)
		}
		if _, dup := l.entries[p.ID]; dup {
			return fmt.Errorf("ledger: restore: duplicate id %d: %w", p.ID, domain.ErrInvalidInput)
		}
		l.entries[p.ID] = &entry{pos: p.Clone()}
		key := ownerKey(p.Owner)
		l.byOwner[key] = append(l.byOwner[key], p.ID)
		if p.ID > l.lastID {
			l.lastID = p.ID
		}
	}
	return nil
}

// Merge folds in positions written by other processes sharing the store.
// Unknown ids are added. A known position is replaced only when the stored
// copy is further along the lifecycle, or in the same state and written
// later, and no local operation holds it. It returns how many positions
// changed.
func (l *Ledger) Merge(positions []domain.Position) int {
	changed := 0
	for _, p := range positions {
		if p.ID == 0 {
			continue
		}
		l.mu.Lock()
		e, ok := l.entries[p.ID]
		if !ok {
			l.insertLocked(p.ID, p.Clone())
			if p.ID > l.lastID {
				l.lastID = p.ID
			}
			l.mu.Unlock()
			changed++
			continue
		}
		l.mu.Unlock()

		e.mu.Lock()
		if !e.inFlight && newer(p, e.pos) {
			e.pos = p.Clone()
			changed++
		}
		e.mu.Unlock()
	}
	return changed
}

func newer(stored, local domain.Position) bool {
	if !strings.EqualFold(stored.Owner, local.Owner) {
		return false
	}
	if local.FailedAt != nil && stored.FailedAt == nil {
		return false
	}
	sp, lp := stored.State.Progress(), local.State.Progress()
	if sp != lp {
		return sp > lp
	}
	if local.State.Terminal() {
		return false
	}
	return stored.UpdatedAt.After(local.UpdatedAt)
}

func (l *Ledger) lookup(id uint64) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ledger: position %d: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (l *Ledger) ids() []uint64 {
	l.mu.RLock()
	ids := make([]uint64, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Ledger) snapshot(ids []uint64) []domain.Position {
	out := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		if p, err := l.Get(id); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func ownerKey(owner string) string {
	return strings.ToLower(owner)
}
