package payout

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"evbackend.in/core/internal/common"
)

// Handler serves the ops payout endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates the payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/payouts.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.HandleCreate)
	r.Get("/webhooks", h.HandleWebhookLogs)
	r.Get("/users/{userID}", h.HandleListByUser)
	r.Get("/{id}", h.HandleGet)
	r.Post("/{id}/process", h.HandleProcess)
	r.Post("/{id}/cancel", h.HandleCancel)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	p, err := h.service.Create(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleListByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := common.ParseID("userID", chi.URLParam(r, "userID"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.service.ListByUser(r.Context(), userID, limit)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, map[string]any{"payouts": list})
}

// HandleProcess approves a pending payout. A gateway failure answers 502
// after the refund has been booked.
func (h *Handler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	p, err := h.service.Process(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	p, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) HandleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.service.WebhookLogs(r.Context(), limit)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
