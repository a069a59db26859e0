package binary

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"evbackend.in/core/internal/common"
)

// Handler serves tree endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates the tree handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts under /api/tree.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.HandlePlace)
	r.Get("/{userID}", h.HandleGet)
	r.Get("/{userID}/descendants", h.HandleDescendants)
	r.Get("/{userID}/pairs", h.HandlePairs)
	r.Post("/{userID}/counts", h.HandleUpdateCounts)
	r.Post("/reconcile", h.HandleReconcile)
}

func userParam(r *http.Request) (int64, error) {
	return common.ParseID("userID", chi.URLParam(r, "userID"))
}

type placeRequest struct {
	UserID    int64  `json:"user_id"`
	SponsorID *int64 `json:"sponsor_id"`
	Side      string `json:"side"`
}

// HandlePlace puts a user into the tree; repeating it returns the same node.
func (h *Handler) HandlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if req.UserID <= 0 {
		common.WriteError(w, common.Validation("user_id is required"))
		return
	}
	side, err := ParseSide(req.Side)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	node, err := h.service.Insert(r.Context(), req.UserID, req.SponsorID, side)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, node)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	node, err := h.service.Get(r.Context(), userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, node)
}

// HandleDescendants lists one leg: ?side=left|right.
func (h *Handler) HandleDescendants(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	side, err := ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	nodes, err := h.service.Descendants(r.Context(), userID, side)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, map[string]any{"side": side, "count": len(nodes), "nodes": nodes})
}

func (h *Handler) HandlePairs(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	pairs, err := h.service.ListPairs(r.Context(), userID, limit)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

// HandleUpdateCounts recomputes the cached leg counts before returning the node.
func (h *Handler) HandleUpdateCounts(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	node, err := h.service.UpdateCounts(r.Context(), userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, node)
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ReconcilePairs(r.Context())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, report)
}
