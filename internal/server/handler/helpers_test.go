package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/settlement"
)

func TestWriteServiceErrorStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{domain.ErrNotAvailable, http.StatusConflict, "NotAvailable"},
		{fmt.Errorf("wrapped: %w", domain.ErrPriceTooDifferent), http.StatusUnprocessableEntity, "PriceTooDifferent"},
		{domain.ErrNotEscrowCreator, http.StatusForbidden, "NotEscrowCreator"},
		{domain.ErrNotSide, http.StatusForbidden, "NotSide"},
		{domain.ErrNotAccepted, http.StatusConflict, "NotAccepted"},
		{domain.ErrNotFinished, http.StatusUnprocessableEntity, "NotFinished"},
		{fmt.Errorf("memory: %w", domain.ErrNotFound), http.StatusNotFound, ""},
		{domain.ErrAlreadyExists, http.StatusConflict, ""},
		{domain.ErrInvalidEntryFee, http.StatusBadRequest, ""},
		{domain.ErrUnauthorized, http.StatusForbidden, ""},
		{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, ""},
		{settlement.ErrPriceOverflow, http.StatusUnprocessableEntity, ""},
		{domain.ErrStalePrice, http.StatusServiceUnavailable, ""},
		{domain.ErrLockHeld, http.StatusServiceUnavailable, ""},
		{errors.New("db down"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			writeServiceError(rec, req, logger, "op", tt.err)
			assert.Equal(t, tt.code, rec.Code)
			if tt.kind != "" {
				assert.Contains(t, rec.Body.String(), `"kind":"`+tt.kind+`"`)
			} else {
				assert.NotContains(t, rec.Body.String(), `"kind"`)
			}
		})
	}
}

func TestParseListOpts(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/escrows?limit=900&offset=-1&status=closed", nil)
	opts := parseListOpts(req)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
	assert.Equal(t, domain.EscrowClosed, opts.Status)
}
