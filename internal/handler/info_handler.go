package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ceramicnetwork/go-cas/internal/pkg/response"
)

// InfoHandler serves service metadata.
type InfoHandler struct {
	supportedChains []string
}

// NewInfoHandler creates a new info handler for the given chain.
func NewInfoHandler(chain string) *InfoHandler {
	return &InfoHandler{supportedChains: []string{chain}}
}

// Routes returns a chi router with service-info routes.
func (h *InfoHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/supported_chains", h.SupportedChains)
	return r
}

// SupportedChains handles GET /api/v0/service-info/supported_chains.
func (h *InfoHandler) SupportedChains(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]any{"supportedChains": h.supportedChains})
}
