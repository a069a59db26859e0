package booking

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"evbackend.in/core/internal/common"
)

// Handler serves booking endpoints for ops tooling.
type Handler struct {
	service *Service
}

// NewHandler creates the booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/bookings.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.HandleCreate)
	r.Get("/users/{userID}", h.HandleListByUser)
	r.Get("/{id}", h.HandleGet)
	r.Post("/{id}/payments", h.HandlePayment)
	r.Post("/{id}/bonus", h.HandleBonus)
	r.Post("/{id}/cancel", h.HandleCancel)
}

type createRequest struct {
	UserID         int64           `json:"user_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	BookingAmount  decimal.Decimal `json:"booking_amount"`
	EMIAmount      decimal.Decimal `json:"emi_amount"`
	EMITotalCount  int             `json:"emi_total_count"`
	EMIStartDate   *time.Time      `json:"emi_start_date"`
	TimeoutMinutes *int            `json:"timeout_minutes"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if req.UserID <= 0 {
		common.WriteError(w, common.Validation("user_id is required"))
		return
	}
	b, err := h.service.Create(r.Context(), NewBooking{
		UserID:        req.UserID,
		TotalAmount:   req.TotalAmount,
		BookingAmount: req.BookingAmount,
		EMIAmount:     req.EMIAmount,
		EMITotalCount: req.EMITotalCount,
		EMIStartDate:  req.EMIStartDate,
	}, req.TimeoutMinutes)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusCreated, b)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) HandleListByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := common.ParseID("userID", chi.URLParam(r, "userID"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	list, err := h.service.ListByUser(r.Context(), userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

// HandlePayment books a cash or online payment; the tree is fed asynchronously.
func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	h.applyAmount(w, r, h.service.ApplyPayment)
}

func (h *Handler) HandleBonus(w http.ResponseWriter, r *http.Request) {
	h.applyAmount(w, r, h.service.ApplyBonus)
}

func (h *Handler) applyAmount(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, id int64, amount decimal.Decimal) (*Booking, error)) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	var req amountRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	b, err := apply(r.Context(), id, req.Amount)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := common.ParseID("id", chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	b, err := h.service.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, b)
}
