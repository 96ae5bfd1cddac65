package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/service"
)

// PriceService defines the price lookups the handler needs.
type PriceService interface {
	Feeds() []string
	Latest(ctx context.Context, feedID string) (service.PriceView, error)
}

// PriceHandler serves cached oracle observations.
type PriceHandler struct {
	prices PriceService
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logger.With(slog.String("handler", "price"))}
}

type feedsResponse struct {
	Feeds []string `json:"feeds"`
}

// ListFeeds returns the feeds this server tracks.
// GET /api/prices
func (h *PriceHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, feedsResponse{Feeds: h.prices.Feeds()})
}

// Latest returns the last cached observation of a feed.
// GET /api/prices/{feed}
func (h *PriceHandler) Latest(w http.ResponseWriter, r *http.Request) {
	view, err := h.prices.Latest(r.Context(), r.PathValue("feed"))
	switch {
	case errors.Is(err, domain.ErrUnknownFeed):
		writeError(w, http.StatusNotFound, "unknown feed")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no observation yet")
	case err != nil:
		writeServiceError(w, r, h.logger, "get price", err)
	default:
		writeJSON(w, http.StatusOK, view)
	}
}
