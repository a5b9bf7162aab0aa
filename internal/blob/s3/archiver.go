package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/loan"
)

const (
	jsonlContentType = "application/x-ndjson"
	auditPageSize    = 1000
	// Payloads above this go through the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
)

// Archiver implements domain.Archiver. Closed positions are written once and
// then flagged archived in the store; audit rows are exported one UTC day per
// object so a rerun rewrites the same key instead of duplicating entries.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions domain.PositionStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. reader may be nil, in which case existing
// objects are not checked before positions are written.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	positions domain.PositionStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:    writer,
		reader:    reader,
		positions: positions,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// positionRecord is the archived form of a position. Amounts are decimal
// strings so the file is readable without knowing the scales.
type positionRecord struct {
	ID              uint64     `json:"id"`
	ChainPositionID uint64     `json:"chain_position_id"`
	Owner           string     `json:"owner"`
	State           string     `json:"state"`
	Collateral      string     `json:"collateral_eth"`
	Principal       string     `json:"principal_usdt"`
	CreationPrice   string     `json:"creation_price_usd"`
	LTVBps          int64      `json:"ltv_bps"`
	InterestRateBps int64      `json:"interest_rate_bps"`
	CreatedAt       time.Time  `json:"created_at"`
	MaturityAt      time.Time  `json:"maturity_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	CreateTx        string     `json:"create_tx"`
	CloseTx         string     `json:"close_tx"`
}

func toRecord(p domain.Position) positionRecord {
	return positionRecord{
		ID:              p.ID,
		ChainPositionID: p.OnChainID(),
		Owner:           p.Owner,
		State:           string(p.State),
		Collateral:      loan.FormatUnits(p.CollateralAmount, loan.CollateralDecimals),
		Principal:       loan.FormatUnits(p.Principal, loan.StableDecimals),
		CreationPrice:   loan.FormatUnits(p.CreationPrice, domain.PriceDecimals),
		LTVBps:          p.LTVBps,
		InterestRateBps: p.InterestRateBps,
		CreatedAt:       p.CreatedAt.UTC(),
		MaturityAt:      p.MaturityAt.UTC(),
		ClosedAt:        p.ClosedAt,
		CreateTx:        string(p.CreateTxRef),
		CloseTx:         string(p.CloseTxRef),
	}
}

// ArchivePositions exports terminal positions closed before the cutoff and
// marks them archived. It returns how many were exported.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	records := make([]positionRecord, len(positions))
	ids := make([]uint64, len(positions))
	for i, p := range positions {
		records[i] = toRecord(p)
		ids[i] = p.ID
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path, err := a.freePath(ctx, positionsPath(before, ids[0], ids[len(ids)-1]))
	if err != nil {
		return 0, err
	}
	if err := a.put(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}
	if err := a.positions.MarkArchived(ctx, ids); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions mark: %w", err)
	}

	count := int64(len(ids))
	a.logAudit(ctx, "archive.positions", path, count, before)
	return count, nil
}

// ArchiveAudit exports the audit rows of the UTC day ending at the cutoff's
// midnight. Rows remain in the database.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	until := before.UTC().Truncate(24 * time.Hour)
	since := until.Add(-24 * time.Hour)

	var entries []domain.AuditEntry
	for offset := 0; ; offset += auditPageSize {
		page, err := a.audit.List(ctx, domain.ListOpts{
			Since:  &since,
			Until:  &until,
			Limit:  auditPageSize,
			Offset: offset,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < auditPageSize {
			break
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}
	path := auditPath(since)
	if err := a.put(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))
	a.logAudit(ctx, "archive.audit", path, count, until)
	return count, nil
}

func (a *Archiver) put(ctx context.Context, path string, buf []byte) error {
	if len(buf) > multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
}

// freePath returns path, or path with a numeric suffix when an object is
// already stored there.
func (a *Archiver) freePath(ctx context.Context, path string) (string, error) {
	if a.reader == nil {
		return path, nil
	}
	candidate := path
	for n := 1; n < 100; n++ {
		exists, err := a.reader.Exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive check %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s.%d", path, n)
	}
	return "", fmt.Errorf("s3blob: archive path %s: too many collisions", path)
}

func (a *Archiver) logAudit(ctx context.Context, event, path string, count int64, before time.Time) {
	a.logger.InfoContext(ctx, "archiver: uploaded",
		slog.String("event", event),
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if err := a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "archiver: audit log failed", slog.String("error", err.Error()))
	}
}

//	archive/positions/2025-01-15/000001-000042.jsonl
func positionsPath(before time.Time, first, last uint64) string {
	return fmt.Sprintf("archive/positions/%s/%06d-%06d.jsonl", before.UTC().Format("2006-01-02"), first, last)
}

//	archive/audit/2025-01-14.jsonl
func auditPath(day time.Time) string {
	return fmt.Sprintf("archive/audit/%s.jsonl", day.Format("2006-01-02"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
