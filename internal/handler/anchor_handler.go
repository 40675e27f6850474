package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ceramicnetwork/go-cas/internal/pkg/response"
	"github.com/ceramicnetwork/go-cas/internal/service"
)

// AnchorHandler exposes manual batch anchoring for operators.
type AnchorHandler struct {
	anchor service.AnchorService
	logger *slog.Logger
}

// NewAnchorHandler creates a new anchor handler.
func NewAnchorHandler(anchor service.AnchorService, logger *slog.Logger) *AnchorHandler {
	return &AnchorHandler{
		anchor: anchor,
		logger: logger.With("handler", "anchors"),
	}
}

// Routes returns a chi router with anchor routes.
func (h *AnchorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Anchor)
	return r
}

// Anchor handles POST /api/v0/anchors: it runs one anchor pass
// synchronously.
func (h *AnchorHandler) Anchor(w http.ResponseWriter, r *http.Request) {
	if err := h.anchor.AnchorRequests(r.Context()); err != nil {
		h.logger.Error("manual anchor run failed", "error", err)
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"status": "ok"})
}
