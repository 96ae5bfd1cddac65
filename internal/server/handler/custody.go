package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// CustodyService defines the custody and audit methods the handler needs.
type CustodyService interface {
	Balance(ctx context.Context, account domain.Identity) (uint64, error)
	Deposit(ctx context.Context, account domain.Identity, amount uint64) (domain.CustodyTransfer, error)
	AuditLog(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error)
}

// CustodyHandler serves custody balances and the operator endpoints.
type CustodyHandler struct {
	custody CustodyService
	logger  *slog.Logger
}

// NewCustodyHandler creates a CustodyHandler.
func NewCustodyHandler(custody CustodyService, logger *slog.Logger) *CustodyHandler {
	return &CustodyHandler{custody: custody, logger: logger.With(slog.String("handler", "custody"))}
}

type balanceResponse struct {
	Account domain.Identity `json:"account"`
	Balance uint64          `json:"balance"`
}

type depositRequest struct {
	Amount uint64 `json:"amount"`
}

type auditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// Balance returns the balance of one custody account.
// GET /api/custody/{account}
func (h *CustodyHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account := domain.Identity(r.PathValue("account"))
	bal, err := h.custody.Balance(r.Context(), account)
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: account, Balance: bal})
}

// Deposit credits a custody account from outside the ledger.
// POST /api/custody/{account}/deposit
func (h *CustodyHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.custody.Deposit(r.Context(), domain.Identity(r.PathValue("account")), req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// Audit returns audit entries newest first.
// GET /api/audit?limit=50&offset=0
func (h *CustodyHandler) Audit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	entries, err := h.custody.AuditLog(r.Context(), opts.Limit, opts.Offset)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries})
}
