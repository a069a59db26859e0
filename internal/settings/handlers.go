package settings

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"evbackend.in/core/internal/common"
)

// Handler exposes the snapshot to ops tooling.
type Handler struct {
	provider *Provider
}

// NewHandler creates the settings handler.
func NewHandler(provider *Provider) *Handler {
	return &Handler{provider: provider}
}

// Routes mounts under /api/settings.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.HandleGet)
	r.Put("/", h.HandleUpdate)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, err := h.provider.Get(r.Context())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, s)
}

// HandleUpdate replaces the whole snapshot; omitted fields are zeroed.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var s Settings
	if err := common.DecodeJSON(r, &s); err != nil {
		common.WriteError(w, err)
		return
	}
	if err := h.provider.Update(r.Context(), s); err != nil {
		common.WriteError(w, err)
		return
	}
	h.HandleGet(w, r)
}
