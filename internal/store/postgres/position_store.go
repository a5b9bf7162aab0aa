package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bullpawn/bullpawn/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Amounts are
// NUMERIC(78,0) columns exchanged as decimal text so no precision is lost.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner, collateral_wei::text, principal::text, creation_price::text,
	ltv_bps, interest_rate_bps, state, create_tx, close_tx, chain_position_id,
	created_at, maturity_at, closed_at, failed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                                domain.Position
		id, chainID                      int64
		collateral, creationPrice, state string
		principal                        *string
		createTx, closeTx                string
	)
	if err := row.Scan(
		&id, &p.Owner, &collateral, &principal, &creationPrice,
		&p.LTVBps, &p.InterestRateBps, &state, &createTx, &closeTx, &chainID,
		&p.CreatedAt, &p.MaturityAt, &p.ClosedAt, &p.FailedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Position{}, err
	}

	var err error
	p.ID = uint64(id)
	p.ChainPositionID = uint64(chainID)
	p.CreateTxRef = domain.TxRef(createTx)
	p.CloseTxRef = domain.TxRef(closeTx)
	if p.State, err = domain.ParsePositionState(state); err != nil {
		return domain.Position{}, err
	}
	if p.CollateralAmount, err = parseNumeric(collateral); err != nil {
		return domain.Position{}, err
	}
	if p.CreationPrice, err = parseNumeric(creationPrice); err != nil {
		return domain.Position{}, err
	}
	if principal != nil {
		if p.Principal, err = parseNumeric(*principal); err != nil {
			return domain.Position{}, err
		}
	}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// upsertPosition inserts a position or replaces its mutable columns. The
// WHERE clause keeps a stale writer from moving a row backwards: terminal
// rows are frozen, active rows never return to pending and a row never
// changes owner.
const upsertPosition = `
	INSERT INTO positions (
		id, owner, collateral_wei, principal, creation_price,
		ltv_bps, interest_rate_bps, state, create_tx, close_tx, chain_position_id,
		created_at, maturity_at, closed_at, failed_at, updated_at
	) VALUES (
		$1, $2, $3::numeric, $4::numeric, $5::numeric,
		$6, $7, $8, $9, $10, $11,
		$12, $13, $14, $15, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		principal         = EXCLUDED.principal,
		state             = EXCLUDED.state,
		create_tx         = EXCLUDED.create_tx,
		close_tx          = EXCLUDED.close_tx,
		chain_position_id = EXCLUDED.chain_position_id,
		maturity_at       = EXCLUDED.maturity_at,
		closed_at         = EXCLUDED.closed_at,
		failed_at         = EXCLUDED.failed_at,
		updated_at        = NOW()
	WHERE positions.owner = EXCLUDED.owner
		AND positions.state NOT IN ('redeemed', 'liquidated')
		AND NOT (positions.state = 'active' AND EXCLUDED.state = 'pending')`

// Upsert inserts pos or replaces its mutable columns. An update that would
// move the row backwards is ignored.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	_, err := s.pool.Exec(ctx, upsertPosition,
		int64(pos.ID), pos.Owner, numericArg(pos.CollateralAmount), numericArg(pos.Principal), numericArg(pos.CreationPrice),
		pos.LTVBps, pos.InterestRateBps, string(pos.State), string(pos.CreateTxRef), string(pos.CloseTxRef), int64(pos.ChainPositionID),
		pos.CreatedAt, pos.MaturityAt, pos.ClosedAt, pos.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d: %w", pos.ID, err)
	}
	return nil
}

// NextPositionID draws the next id from the shared position_ids sequence.
func (s *PositionStore) NextPositionID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('position_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: next position id: %w", err)
	}
	return uint64(id), nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id uint64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, int64(id))
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %d: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns owner's positions oldest first with pagination and
// optional creation-time filtering.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := ownerQuery(owner, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by owner: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by owner: %w", err)
	}
	return out, nil
}

func ownerQuery(owner string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + positionSelectCols + ` FROM positions WHERE lower(owner) = lower($1)`)
	args := []any{owner}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Since != nil {
		b.WriteString(" AND created_at >= " + arg(*opts.Since))
	}
	if opts.Until != nil {
		b.WriteString(" AND created_at <= " + arg(*opts.Until))
	}
	b.WriteString(" ORDER BY id ASC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT " + arg(opts.Limit))
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET " + arg(opts.Offset))
	}
	return b.String(), args
}

// ListByState returns every position in state, oldest first.
func (s *PositionStore) ListByState(ctx context.Context, state domain.PositionState) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE state = $1 ORDER BY id ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by state: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by state: %w", err)
	}
	return out, nil
}

// ListAll returns every position, used to seed the in-memory ledger.
func (s *PositionStore) ListAll(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionSelectCols+` FROM positions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return out, nil
}

// ListUpdatedSince returns positions written at or after since, oldest id
// first. Other processes' changes are picked up through it.
func (s *PositionStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE updated_at >= $1 ORDER BY id ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list updated positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan updated positions: %w", err)
	}
	return out, nil
}

// ListClosedBefore returns terminal positions closed before the cutoff that
// have not been archived yet.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE closed_at < $1 AND archived_at IS NULL
		 ORDER BY id ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return out, nil
}

// MarkArchived stamps archived_at on ids. Rows stay in place.
func (s *PositionStore) MarkArchived(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE positions SET archived_at = NOW() WHERE id = ANY($1)`, keys); err != nil {
		return fmt.Errorf("postgres: mark archived: %w", err)
	}
	return nil
}

func numericArg(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return v, nil
}
