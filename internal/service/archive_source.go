package service

import (
	"context"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// ArchiveSource gives the blob archiver read access to finished escrows and
// custody history, each call in its own unit of work.
type ArchiveSource struct {
	uow domain.UnitOfWork
}

// NewArchiveSource creates an ArchiveSource over uow.
func NewArchiveSource(uow domain.UnitOfWork) *ArchiveSource {
	return &ArchiveSource{uow: uow}
}

// ListClosedBefore returns closed escrows last updated before the cutoff.
func (a *ArchiveSource) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Escrow, error) {
	var out []domain.Escrow
	err := a.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = tx.Escrows().ListClosedBefore(ctx, before)
		return err
	})
	return out, err
}

// ListTransfersBefore returns custody transfers recorded before the cutoff.
func (a *ArchiveSource) ListTransfersBefore(ctx context.Context, before time.Time) ([]domain.CustodyTransfer, error) {
	var out []domain.CustodyTransfer
	err := a.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = tx.Custody().ListTransfersBefore(ctx, before)
		return err
	})
	return out, err
}

// Log appends an audit entry.
func (a *ArchiveSource) Log(ctx context.Context, event string, detail map[string]any) error {
	return a.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Audit().Log(ctx, event, detail)
	})
}
