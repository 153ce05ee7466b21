/*
handlers.go - HTTP handlers for the settlement core

ENDPOINTS:
  Tokens:
    POST /tokens                issue a claim token
    GET  /tokens/{id}           preview (status, amount, business)
    POST /tokens/{id}/settle    consume the token, credit the reward
    POST /tokens/{id}/void      merchant cancels an unclaimed token

  Customers:
    GET  /customers/{id}/balance
    GET  /customers/{id}/entries

  Businesses:
    POST /businesses
    GET  /businesses
    GET  /businesses/{id}

  Platform:
    GET  /platform/revenue

ERROR HANDLING:
  400 invalid amount / rate / malformed body      (caller mistake, no retry)
  403 business not eligible
  404 token or business not found
  409 already consumed / expired / voided          (expected race outcomes)
  500 persistence failures                         (retryable; replay-safe)

  Settlement conflicts carry a machine-readable "reason" so the customer
  UI can say "this code was already used" vs "this code expired" instead
  of one generic error.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/localperks/bcoin-core/coin"
	"github.com/localperks/bcoin-core/store/sqlite"
)

var httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bcoin_http_requests_total",
	Help: "Total HTTP requests",
}, []string{"method", "endpoint", "status"})

// =============================================================================
// HANDLER
// =============================================================================

// Handler holds all dependencies for HTTP handlers. Constructed once at
// process start; no ambient singletons.
type Handler struct {
	Store     *sqlite.Store
	Issuer    *coin.Issuer
	Engine    *coin.Engine
	Projector *coin.Projector
}

func NewHandler(store *sqlite.Store, issuer *coin.Issuer, engine *coin.Engine, projector *coin.Projector) *Handler {
	return &Handler{
		Store:     store,
		Issuer:    issuer,
		Engine:    engine,
		Projector: projector,
	}
}

// =============================================================================
// TOKEN HANDLERS
// =============================================================================

// IssueToken creates a single-use claim token for a purchase.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.BusinessID == "" {
		writeError(w, r, http.StatusBadRequest, "business_id is required", "")
		return
	}

	tok, err := h.Issuer.Issue(r.Context(), coin.BusinessID(req.BusinessID), req.FaceAmount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, tokenDTO(tok))
}

// GetToken is the read-only preview used before scanning.
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	id := coin.TokenID(chi.URLParam(r, "id"))

	tok, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tokenDTO(tok))
}

// SettleToken consumes the token and credits the reward, atomically.
func (h *Handler) SettleToken(w http.ResponseWriter, r *http.Request) {
	id := coin.TokenID(chi.URLParam(r, "id"))

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.CustomerID == "" {
		writeError(w, r, http.StatusBadRequest, "customer_id is required", "")
		return
	}

	receipt, err := h.Engine.Settle(r.Context(), id, coin.CustomerID(req.CustomerID))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, receiptDTO(receipt))
}

// VoidToken cancels an unclaimed token on behalf of the issuing business.
func (h *Handler) VoidToken(w http.ResponseWriter, r *http.Request) {
	id := coin.TokenID(chi.URLParam(r, "id"))

	if err := h.Store.Void(r.Context(), id, time.Now()); err != nil {
		writeDomainError(w, r, err)
		return
	}

	tok, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tokenDTO(tok))
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// GetBalance returns the customer's current balance: the fold over their
// ledger entries, nothing else.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := coin.CustomerID(chi.URLParam(r, "id"))

	balance, err := h.Projector.BalanceOf(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to compute balance", "")
		return
	}
	writeJSON(w, r, http.StatusOK, BalanceDTO{CustomerID: string(id), Balance: balance})
}

// GetEntries returns the customer's ledger history, oldest first.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id := coin.CustomerID(chi.URLParam(r, "id"))

	entries, err := h.Store.EntriesByCustomer(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to load entries", "")
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = entryDTO(e)
	}
	writeJSON(w, r, http.StatusOK, dtos)
}

// =============================================================================
// BUSINESS HANDLERS
// =============================================================================

// CreateBusiness registers a business and its rate schedule.
func (h *Handler) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	var req CreateBusinessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "id and name are required", "")
		return
	}

	b := coin.Business{
		ID:                coin.BusinessID(req.ID),
		Name:              req.Name,
		Verified:          req.Verified,
		RewardPercent:     req.RewardPercent,
		CommissionPercent: req.CommissionPercent,
	}
	if err := h.Store.SaveBusiness(r.Context(), b); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, businessDTO(b))
}

// ListBusinesses returns all registered businesses.
func (h *Handler) ListBusinesses(w http.ResponseWriter, r *http.Request) {
	businesses, err := h.Store.ListBusinesses(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list businesses", "")
		return
	}

	dtos := make([]BusinessDTO, len(businesses))
	for i, b := range businesses {
		dtos[i] = businessDTO(b)
	}
	writeJSON(w, r, http.StatusOK, dtos)
}

// GetBusiness returns a single business.
func (h *Handler) GetBusiness(w http.ResponseWriter, r *http.Request) {
	id := coin.BusinessID(chi.URLParam(r, "id"))

	b, err := h.Store.GetBusiness(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, businessDTO(*b))
}

// =============================================================================
// PLATFORM HANDLERS
// =============================================================================

// GetPlatformRevenue returns the platform's accumulated commission.
func (h *Handler) GetPlatformRevenue(w http.ResponseWriter, r *http.Request) {
	revenue, err := h.Projector.PlatformRevenue(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to compute revenue", "")
		return
	}
	writeJSON(w, r, http.StatusOK, RevenueDTO{Revenue: revenue})
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	httpReqTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg, reason string) {
	writeJSON(w, r, status, ErrorDTO{Error: msg, Reason: reason})
}

// writeDomainError maps the core's failure taxonomy to HTTP. Conflicts are
// 409 with a reason the UI can branch on; validation is 400; not-found 404;
// ineligible businesses 403; everything else 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	reason := coin.FailureReason(err)

	switch {
	case coin.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, err.Error(), reason)
	case errors.Is(err, coin.ErrBusinessNotEligible):
		writeError(w, r, http.StatusForbidden, err.Error(), reason)
	case errors.Is(err, coin.ErrInvalidAmount), errors.Is(err, coin.ErrInvalidRate):
		writeError(w, r, http.StatusBadRequest, err.Error(), reason)
	case errors.Is(err, coin.ErrTokenAlreadyConsumed):
		writeError(w, r, http.StatusConflict, err.Error(), "AlreadyConsumed")
	case errors.Is(err, coin.ErrTokenExpired):
		writeError(w, r, http.StatusConflict, err.Error(), "Expired")
	case errors.Is(err, coin.ErrTokenVoided):
		writeError(w, r, http.StatusConflict, err.Error(), "Voided")
	default:
		writeError(w, r, http.StatusInternalServerError, err.Error(), reason)
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
