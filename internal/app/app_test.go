package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/config"
	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireSingleProcess(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Driver = "memory"
	cfg.Redis.Enabled = false
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), &cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.Store{}, deps.UnitOfWork)
	assert.IsType(t, &memory.PriceCache{}, deps.PriceCache)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.SignalBus)
	assert.IsType(t, &memory.RateLimiter{}, deps.RateLimiter)
	assert.Nil(t, deps.Archiver)
	assert.NotNil(t, deps.Metrics)
	assert.False(t, deps.Notifier.Enabled())
	assert.Empty(t, deps.Checks)

	// The wired unit of work is usable straight away.
	require.NoError(t, deps.UnitOfWork.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.Custody().Deposit(ctx, "0xabc", 10)
		return err
	}))
}

func TestModeNeeds(t *testing.T) {
	cfg := config.Defaults()
	assert.False(t, needsStore("oracle"))
	assert.True(t, needsStore("server"))
	assert.True(t, needsS3(&cfg, "archive"))
	assert.False(t, needsS3(&cfg, "full"))

	cfg.Archive.Enabled = true
	assert.True(t, needsS3(&cfg, "full"))
	assert.False(t, needsS3(&cfg, "oracle"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.log")
	logger, closeLog := NewLogger(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})

	logger.Debug("hidden")
	logger.Info("escrow settled", slog.Uint64("seed", 7))
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "escrow settled", rec["msg"])
	assert.EqualValues(t, 7, rec["seed"])
}
