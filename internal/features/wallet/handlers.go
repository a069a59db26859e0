// Package wallet: handlers.go exposes read-only wallet views to ops tooling.
package wallet

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"evbackend.in/core/internal/common"
)

// Handler serves wallet endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates the wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/wallets.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/{userID}", h.HandleGet)
	r.Get("/{userID}/transactions", h.HandleHistory)
}

// HandleGet returns the cached aggregate; ?at=RFC3339 adds the ledger balance at that time.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := common.ParseID("userID", chi.URLParam(r, "userID"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	wlt, err := h.service.Get(r.Context(), userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}

	resp := map[string]any{"wallet": wlt}
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			common.WriteError(w, common.Validation("at must be RFC3339"))
			return
		}
		bal, err := h.service.BalanceAt(r.Context(), userID, at)
		if err != nil {
			common.WriteError(w, err)
			return
		}
		resp["balance_at"] = bal
	}
	common.WriteJSON(w, http.StatusOK, resp)
}

// HandleHistory returns ledger rows, newest first.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := common.ParseID("userID", chi.URLParam(r, "userID"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := h.service.History(r.Context(), userID, limit)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}
