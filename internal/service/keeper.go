package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bullpawn/bullpawn/internal/domain"
)

const (
	keeperLockKey = "keeper:liquidation"
	resumeWorkers = 8
)

// KeeperConfig holds the keeper's schedule.
type KeeperConfig struct {
	ScanInterval    time.Duration
	LockTTL         time.Duration
	ArchiveInterval time.Duration
	ArchiveAfter    time.Duration
	// ResumeWait bounds how long a scan waits on pending creates. Receipts
	// that arrive later are still applied in the background.
	ResumeWait time.Duration
}

// Alerter receives keeper alerts. *notify.Notifier satisfies it.
type Alerter interface {
	PositionLiquidated(ctx context.Context, pos domain.Position, price domain.ValidatedPrice) error
	PriceDegraded(ctx context.Context, price domain.ValidatedPrice) error
	LedgerDrift(ctx context.Context, local, onChain int64) error
	KeeperFailed(ctx context.Context, task string, err error) error
}

// ScanReport summarises one keeper pass.
type ScanReport struct {
	Candidates int
	Liquidated int
	Resumed    int
	Skipped    bool
}

// Keeper periodically liquidates under-collateralised positions, resumes
// pending creates, reconciles with the contract and archives closed
// positions. Only one keeper across the deployment scans at a time when a
// lock manager is configured.
type Keeper struct {
	pawn     *PawnService
	locks    domain.LockManager
	alerts   Alerter
	archiver domain.Archiver
	cfg      KeeperConfig
	logger   *slog.Logger
}

// NewKeeper creates a Keeper. locks, alerts and archiver may be nil.
func NewKeeper(
	pawn *PawnService,
	locks domain.LockManager,
	alerts Alerter,
	archiver domain.Archiver,
	cfg KeeperConfig,
	logger *slog.Logger,
) *Keeper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.ScanInterval
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = 24 * time.Hour
	}
	if cfg.ResumeWait <= 0 || cfg.ResumeWait >= cfg.LockTTL {
		cfg.ResumeWait = cfg.LockTTL / 4
	}
	return &Keeper{
		pawn:     pawn,
		locks:    locks,
		alerts:   alerts,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "keeper")),
	}
}

// Run scans and archives on their intervals until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	scan := time.NewTicker(k.cfg.ScanInterval)
	defer scan.Stop()
	archive := time.NewTicker(k.cfg.ArchiveInterval)
	defer archive.Stop()

	k.logger.InfoContext(ctx, "keeper: started",
		slog.Duration("scan_interval", k.cfg.ScanInterval),
		slog.Bool("archive", k.archiver != nil),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scan.C:
			if _, err := k.Scan(ctx); err != nil && ctx.Err() == nil {
				k.logger.ErrorContext(ctx, "keeper: scan failed", slog.String("error", err.Error()))
				k.alertFailure(ctx, "scan", err)
			}
		case <-archive.C:
			if err := k.Archive(ctx); err != nil && ctx.Err() == nil {
				k.logger.ErrorContext(ctx, "keeper: archive failed", slog.String("error", err.Error()))
				k.alertFailure(ctx, "archive", err)
			}
		}
	}
}

// Scan performs one keeper pass.
func (k *Keeper) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	if _, err := k.pawn.Refresh(ctx); err != nil {
		k.logger.WarnContext(ctx, "keeper: refresh from store failed", slog.String("error", err.Error()))
	}
	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, keeperLockKey, k.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			k.logger.DebugContext(ctx, "keeper: another instance holds the lock")
			report.Skipped = true
			return report, nil
		}
		if err != nil {
			return report, err
		}
		defer unlock()
	}

	report.Resumed = k.resumePending(ctx)

	candidates, price, err := k.pawn.LiquidationCandidates(ctx)
	if err != nil {
		return report, err
	}
	if price.Confidence != domain.ConfidenceOracle && k.alerts != nil {
		_ = k.alerts.PriceDegraded(ctx, price)
	}
	report.Candidates = len(candidates)

	for _, pos := range candidates {
		res, err := k.pawn.LiquidatePosition(ctx, pos.ID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotLiquidatable) && !errors.Is(err, domain.ErrInvalidTransition) {
				k.logger.WarnContext(ctx, "keeper: liquidation failed",
					slog.Uint64("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		report.Liquidated++
		if k.alerts != nil {
			if err := k.alerts.PositionLiquidated(ctx, res.Position, price); err != nil {
				k.logger.WarnContext(ctx, "keeper: liquidation alert failed", slog.String("error", err.Error()))
			}
		}
	}

	active, onChain, err := k.pawn.ReconcileActive(ctx)
	if err != nil {
		k.logger.WarnContext(ctx, "keeper: reconcile failed", slog.String("error", err.Error()))
	} else if k.alerts != nil {
		counts := k.pawn.Counts()
		confirmed := counts[domain.StateActive] + counts[domain.StateRedeemed] + counts[domain.StateLiquidated]
		if confirmed != onChain {
			_ = k.alerts.LedgerDrift(ctx, confirmed, onChain)
		}
	}

	k.logger.InfoContext(ctx, "keeper: scan complete",
		slog.Int("candidates", report.Candidates),
		slog.Int("liquidated", report.Liquidated),
		slog.Int("resumed", report.Resumed),
		slog.Int64("active", active),
	)
	return report, nil
}

// resumePending re-awaits recorded create transactions in parallel for at
// most ResumeWait. A position still waiting stays claimed by its background
// confirmation, so the next scan skips it.
func (k *Keeper) resumePending(ctx context.Context) int {
	pending := k.pawn.PendingWithTx()
	if len(pending) == 0 {
		return 0
	}
	wctx, cancel := context.WithTimeout(ctx, k.cfg.ResumeWait)
	defer cancel()

	var resumed atomic.Int64
	var g errgroup.Group
	g.SetLimit(resumeWorkers)
	for _, pos := range pending {
		g.Go(func() error {
			_, err := k.pawn.ResumePending(wctx, pos.ID)
			switch {
			case err == nil:
				resumed.Add(1)
			case errors.Is(err, domain.ErrInvalidTransition):
			case wctx.Err() != nil && ctx.Err() == nil:
				k.logger.DebugContext(ctx, "keeper: create still unconfirmed", slog.Uint64("position_id", pos.ID))
			default:
				k.logger.WarnContext(ctx, "keeper: resume pending failed",
					slog.Uint64("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(resumed.Load())
}

// Archive copies closed positions and old audit rows to cold storage.
func (k *Keeper) Archive(ctx context.Context) error {
	if k.archiver == nil || k.cfg.ArchiveAfter <= 0 {
		return nil
	}
	before := time.Now().UTC().Add(-k.cfg.ArchiveAfter)
	positions, err := k.archiver.ArchivePositions(ctx, before)
	if err != nil {
		return err
	}
	audit, err := k.archiver.ArchiveAudit(ctx, before)
	if err != nil {
		return err
	}
	k.logger.InfoContext(ctx, "keeper: archive complete",
		slog.Int64("positions", positions),
		slog.Int64("audit_entries", audit),
		slog.Time("before", before),
	)
	return nil
}

func (k *Keeper) alertFailure(ctx context.Context, task string, err error) {
	if k.alerts == nil {
		return
	}
	if aerr := k.alerts.KeeperFailed(ctx, task, err); aerr != nil {
		k.logger.WarnContext(ctx, "keeper: alert failed", slog.String("error", aerr.Error()))
	}
}
