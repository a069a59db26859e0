package users

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"evbackend.in/core/internal/common"
)

// Handler serves account endpoints for ops tooling.
type Handler struct {
	service *Service
}

// NewHandler creates the users handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/users.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.HandleRegister)
	r.Get("/{id}", h.HandleGet)
	r.Put("/{id}/kyc", h.HandleSetKYC)
	r.Put("/{id}/distributor", h.HandleSetDistributor)
}

type registerRequest struct {
	Mobile        string `json:"mobile"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	ReferredBy    *int64 `json:"referred_by"`
	IsDistributor bool   `json:"is_distributor"`
}

// HandleRegister answers 201 for a new account and 200 when the mobile was
// already registered.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	u, created, err := h.service.Register(r.Context(), NewUser{
		Mobile:        req.Mobile,
		Email:         req.Email,
		Username:      req.Username,
		ReferredBy:    req.ReferredBy,
		IsDistributor: req.IsDistributor,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	common.WriteJSON(w, status, u)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	u, err := h.service.Get(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, u)
}

// HandleSetKYC records a verdict from the KYC module.
func (h *Handler) HandleSetKYC(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	var req struct {
		Status KYCStatus `json:"status"`
	}
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if err := h.service.SetKYCStatus(r.Context(), id, req.Status); err != nil {
		common.WriteError(w, err)
		return
	}
	h.HandleGet(w, r)
}

func (h *Handler) HandleSetDistributor(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	var req struct {
		Distributor bool `json:"distributor"`
	}
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if err := h.service.SetDistributor(r.Context(), id, req.Distributor); err != nil {
		common.WriteError(w, err)
		return
	}
	h.HandleGet(w, r)
}
