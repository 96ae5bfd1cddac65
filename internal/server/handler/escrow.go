package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/server/middleware"
	"github.com/alanyoungcy/priceescrow/internal/service"
)

// EscrowService defines the methods that the escrow handler requires from
// the service layer.
type EscrowService interface {
	Create(ctx context.Context, seed, entryFee uint64, caller domain.Identity) (domain.Escrow, error)
	Join(ctx context.Context, seed uint64, side domain.Side, caller, custody domain.Identity) (domain.Escrow, error)
	Accept(ctx context.Context, seed uint64, caller, custody domain.Identity) (domain.Escrow, error)
	Settle(ctx context.Context, seed uint64, caller, custody domain.Identity) (domain.Escrow, domain.Payout, error)
	Withdraw(ctx context.Context, seed uint64, caller domain.Identity) (domain.Refund, error)
	Get(ctx context.Context, seed uint64) (domain.Escrow, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Escrow, error)
	EventsSince(ctx context.Context, lastID string, count int) ([]service.StreamEvent, error)
}

// EscrowHandler serves escrow endpoints. Mutating routes expect the caller
// identity verified by middleware.RequireSignature.
type EscrowHandler struct {
	escrows EscrowService
	logger  *slog.Logger
}

// NewEscrowHandler creates an EscrowHandler.
func NewEscrowHandler(escrows EscrowService, logger *slog.Logger) *EscrowHandler {
	return &EscrowHandler{escrows: escrows, logger: logger.With(slog.String("handler", "escrow"))}
}

type createRequest struct {
	Seed     uint64 `json:"seed"`
	EntryFee uint64 `json:"entry_fee"`
}

type joinRequest struct {
	Side    string          `json:"side"`
	Custody domain.Identity `json:"custody"`
}

type custodyRequest struct {
	Custody domain.Identity `json:"custody"`
}

type escrowResponse struct {
	Escrow domain.Escrow `json:"escrow"`
}

type settleResponse struct {
	Escrow domain.Escrow `json:"escrow"`
	Payout domain.Payout `json:"payout"`
}

type withdrawResponse struct {
	Seed   uint64        `json:"seed"`
	Refund domain.Refund `json:"refund"`
}

type listEscrowsResponse struct {
	Escrows []domain.Escrow `json:"escrows"`
}

type eventsResponse struct {
	Events []service.StreamEvent `json:"events"`
}

// Create allocates a new escrow owned by the caller.
// POST /api/escrows
func (h *EscrowHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rec, err := h.escrows.Create(r.Context(), req.Seed, req.EntryFee, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "create escrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, escrowResponse{Escrow: rec})
}

// Join takes the first side of an escrow.
// POST /api/escrows/{seed}/join
func (h *EscrowHandler) Join(w http.ResponseWriter, r *http.Request) {
	seed, caller, ok := h.seedAndCaller(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.escrows.Join(r.Context(), seed, side, caller, req.Custody)
	if err != nil {
		writeServiceError(w, r, h.logger, "join escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{Escrow: rec})
}

// Accept takes the remaining side of a joined escrow.
// POST /api/escrows/{seed}/accept
func (h *EscrowHandler) Accept(w http.ResponseWriter, r *http.Request) {
	seed, caller, ok := h.seedAndCaller(w, r)
	if !ok {
		return
	}
	var req custodyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rec, err := h.escrows.Accept(r.Context(), seed, caller, req.Custody)
	if err != nil {
		writeServiceError(w, r, h.logger, "accept escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{Escrow: rec})
}

// Settle pays an accepted escrow to its winner.
// POST /api/escrows/{seed}/settle
func (h *EscrowHandler) Settle(w http.ResponseWriter, r *http.Request) {
	seed, caller, ok := h.seedAndCaller(w, r)
	if !ok {
		return
	}
	var req custodyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rec, payout, err := h.escrows.Settle(r.Context(), seed, caller, req.Custody)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Escrow: rec, Payout: payout})
}

// Withdraw ends an escrow and deletes it.
// POST /api/escrows/{seed}/withdraw
func (h *EscrowHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	seed, caller, ok := h.seedAndCaller(w, r)
	if !ok {
		return
	}
	refund, err := h.escrows.Withdraw(r.Context(), seed, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Seed: seed, Refund: refund})
}

// Get returns one escrow.
// GET /api/escrows/{seed}
func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	seed, ok := pathSeed(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid seed")
		return
	}
	rec, err := h.escrows.Get(r.Context(), seed)
	if err != nil {
		writeServiceError(w, r, h.logger, "get escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{Escrow: rec})
}

// List returns escrows, optionally filtered by status.
// GET /api/escrows?status=accepted&limit=50&offset=0
func (h *EscrowHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.escrows.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list escrows", err)
		return
	}
	if recs == nil {
		recs = []domain.Escrow{}
	}
	writeJSON(w, http.StatusOK, listEscrowsResponse{Escrows: recs})
}

// Events replays committed escrow events from the durable stream.
// GET /api/events?after=<stream id>&limit=100
func (h *EscrowHandler) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := h.escrows.EventsSince(r.Context(), q.Get("after"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "read events", err)
		return
	}
	if events == nil {
		events = []service.StreamEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (h *EscrowHandler) caller(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "signed request required")
	}
	return id, ok
}

func (h *EscrowHandler) seedAndCaller(w http.ResponseWriter, r *http.Request) (uint64, domain.Identity, bool) {
	seed, ok := pathSeed(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid seed")
		return 0, "", false
	}
	caller, ok := h.caller(w, r)
	return seed, caller, ok
}
