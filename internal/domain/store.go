package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists pawn positions. Rows are never deleted.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id uint64) (Position, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Position, error)
	ListByState(ctx context.Context, state PositionState) ([]Position, error)
	ListAll(ctx context.Context) ([]Position, error)
	ListUpdatedSince(ctx context.Context, since time.Time) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
	MarkArchived(ctx context.Context, ids []uint64) error
}

// PositionIDAllocator is implemented by stores that hand out position ids
// shared by every process writing to them.
type PositionIDAllocator interface {
	NextPositionID(ctx context.Context) (uint64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
