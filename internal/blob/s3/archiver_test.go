package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type fakeSources struct {
	escrows   []domain.Escrow
	transfers []domain.CustodyTransfer
	audit     []string
}

func (f *fakeSources) ListClosedBefore(context.Context, time.Time) ([]domain.Escrow, error) {
	return f.escrows, nil
}

func (f *fakeSources) ListTransfersBefore(context.Context, time.Time) ([]domain.CustodyTransfer, error) {
	return f.transfers, nil
}

func (f *fakeSources) Log(_ context.Context, event string, _ map[string]any) error {
	f.audit = append(f.audit, event)
	return nil
}

func TestArchiveEscrowsWritesJSONLOnce(t *testing.T) {
	ctx := context.Background()
	blobs := &memBlobs{objects: map[string][]byte{}}
	src := &fakeSources{escrows: []domain.Escrow{
		{Seed: 1, EntryFee: 10, Status: domain.EscrowClosed},
		{Seed: 2, EntryFee: 20, Status: domain.EscrowClosed},
	}}
	a := NewArchiver(blobs, blobs, src, src, src)
	cutoff := time.Date(2026, 2, 3, 4, 0, 0, 0, time.UTC)

	n, err := a.ArchiveEscrows(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	data, ok := blobs.objects["archive/escrows/2026-02-03.jsonl"]
	require.True(t, ok)
	sc := bufio.NewScanner(bytes.NewReader(data))
	var seeds []uint64
	for sc.Scan() {
		var e domain.Escrow
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		seeds = append(seeds, e.Seed)
	}
	assert.Equal(t, []uint64{1, 2}, seeds)
	assert.Equal(t, []string{"archive.escrows"}, src.audit)

	n, err = a.ArchiveEscrows(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n, "existing archive is not overwritten")
}

func TestArchiveTransfersEmpty(t *testing.T) {
	blobs := &memBlobs{objects: map[string][]byte{}}
	src := &fakeSources{}
	n, err := NewArchiver(blobs, blobs, src, src, src).ArchiveTransfers(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestKeyPrefix(t *testing.T) {
	c := &Client{prefix: "escrowd"}
	assert.Equal(t, "escrowd/archive/x.jsonl", c.key("/archive/x.jsonl"))
	assert.Equal(t, "archive/x.jsonl", c.path("escrowd/archive/x.jsonl"))
	assert.Equal(t, "a/b", (&Client{}).key("a/b"))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
}
