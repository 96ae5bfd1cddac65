package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// multipartThreshold is the archive size above which uploads go multipart.
const multipartThreshold = 8 * 1024 * 1024

// EscrowSource lists settled escrows eligible for archiving.
type EscrowSource interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Escrow, error)
}

// TransferSource lists custody movements eligible for archiving.
type TransferSource interface {
	ListTransfersBefore(ctx context.Context, before time.Time) ([]domain.CustodyTransfer, error)
}

// AuditLogger records archive runs.
type AuditLogger interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// ArchiveImpl implements domain.Archiver. It copies records to JSONL files
// partitioned by cutoff day and never overwrites an existing file, so a
// repeated run for the same day is a no-op. Records are not deleted from
// the primary store.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	escrows   EscrowSource
	transfers TransferSource
	audit     AuditLogger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	escrows EscrowSource,
	transfers TransferSource,
	audit AuditLogger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		escrows:   escrows,
		transfers: transfers,
		audit:     audit,
	}
}

// ArchiveEscrows uploads closed escrows last touched before the cutoff to
// archive/escrows/YYYY-MM-DD.jsonl.
func (a *ArchiveImpl) ArchiveEscrows(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.escrows.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive escrows query: %w", err)
	}
	return archive(ctx, a, "escrows", before, recs)
}

// ArchiveTransfers uploads custody movements created before the cutoff to
// archive/custody_transfers/YYYY-MM-DD.jsonl.
func (a *ArchiveImpl) ArchiveTransfers(ctx context.Context, before time.Time) (int64, error) {
	ts, err := a.transfers.ListTransfersBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transfers query: %w", err)
	}
	return archive(ctx, a, "custody_transfers", before, ts)
}

func archive[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	path := archivePath(kind, before)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath builds the key for an archive file:
//
//	archive/escrows/2026-01-31.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes records as newline-delimited JSON.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)
