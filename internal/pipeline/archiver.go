package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/metrics"
)

// defaultRunTimeout bounds one archive pass so a hung upload cannot block
// the next scheduled run forever.
const defaultRunTimeout = 30 * time.Minute

// Archiver moves finished escrows and old custody transfers to cold
// storage, on a cron schedule or on demand.
type Archiver struct {
	blobs         domain.Archiver
	retentionDays int
	runTimeout    time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	nowFn         func() time.Time
}

// NewArchiver creates a new Archiver. m may be nil.
func NewArchiver(blobs domain.Archiver, retentionDays int, m *metrics.Metrics, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobs:         blobs,
		retentionDays: retentionDays,
		runTimeout:    defaultRunTimeout,
		metrics:       m,
		logger:        logger.With(slog.String("component", "archiver")),
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

func (a *Archiver) cutoff() time.Time {
	return a.nowFn().AddDate(0, 0, -a.retentionDays)
}

// Run archives everything finished before the retention window. Escrows go
// first; a failure there skips the transfers so the two stay consistent.
func (a *Archiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()

	start := a.nowFn()
	cutoff := a.cutoff()
	log := a.logger.With(slog.Time("cutoff", cutoff))

	escrows, err := a.blobs.ArchiveEscrows(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive escrows: %w", err)
	}
	a.metrics.Archived("escrows", escrows)

	transfers, err := a.blobs.ArchiveTransfers(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive custody transfers: %w", err)
	}
	a.metrics.Archived("custody_transfers", transfers)

	log.InfoContext(ctx, "archive run complete",
		slog.Int64("escrows", escrows),
		slog.Int64("transfers", transfers),
		slog.Duration("took", a.nowFn().Sub(start)),
	)
	return nil
}

// RunCron runs the archiver whenever cronExpr fires (UTC) and whenever a
// value arrives on trigger, until ctx is cancelled. trigger may be nil.
// Run failures are logged; only a bad expression or cancellation ends the
// loop.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string, trigger <-chan struct{}) error {
	sched, err := parseSchedule(cronExpr)
	if err != nil {
		return fmt.Errorf("cron %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archive schedule armed",
		slog.String("cron", cronExpr),
		slog.Int("retention_days", a.retentionDays),
	)

	for {
		now := a.nowFn()
		next, ok := sched.next(now)
		if !ok {
			return fmt.Errorf("cron %q never fires", cronExpr)
		}
		a.logger.Debug("next archive run", slog.Time("at", next))

		timer := time.NewTimer(next.Sub(now))
		reason := "schedule"
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-trigger:
			timer.Stop()
			reason = "trigger"
		case <-timer.C:
		}

		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive run failed",
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
		}
	}
}
