// Package handler provides HTTP handlers for the anchor service API.
package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ceramicnetwork/go-cas/internal/metrics"
	"github.com/ceramicnetwork/go-cas/internal/middleware"
	"github.com/ceramicnetwork/go-cas/internal/models"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
	"github.com/ceramicnetwork/go-cas/internal/pkg/response"
	"github.com/ceramicnetwork/go-cas/internal/repository"
	"github.com/ceramicnetwork/go-cas/internal/service"
)

// maxRequestBody caps intake bodies; CAR envelopes carry whole commits.
const maxRequestBody = 16 << 20

// RequestHandler handles anchor request intake and lookup.
type RequestHandler struct {
	parser    *service.AnchorRequestParser
	metadata  service.MetadataService
	requests  repository.RequestRepository
	presenter *service.RequestPresenter
	importer  service.CARBlockImporter
	logger    *slog.Logger
}

// NewRequestHandler creates a new request handler. importer may be nil.
func NewRequestHandler(
	parser *service.AnchorRequestParser,
	metadata service.MetadataService,
	requests repository.RequestRepository,
	presenter *service.RequestPresenter,
	importer service.CARBlockImporter,
	logger *slog.Logger,
) *RequestHandler {
	return &RequestHandler{
		parser:    parser,
		metadata:  metadata,
		requests:  requests,
		presenter: presenter,
		importer:  importer,
		logger:    logger.With("handler", "requests"),
	}
}

// Routes returns a chi router with request routes.
func (h *RequestHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{cid}", h.Get)
	return r
}

// Create handles POST /api/v0/requests.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		response.Error(w, apierrors.ErrInvalidRequest.WithCause(err))
		return
	}

	var parsed *service.ParsedRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), response.ContentTypeCAR) {
		parsed, err = h.parser.ParseCAR(r.Context(), body)
	} else {
		parsed, err = h.parser.ParseJSON(body)
	}
	if err != nil {
		response.Error(w, err)
		return
	}

	// Metadata failures surface to the client: 400 for a bad genesis,
	// 503 when IPFS is unreachable
	if err := h.metadata.Fill(r.Context(), parsed.StreamID, parsed.CAR); err != nil {
		response.Error(w, err)
		return
	}

	if parsed.CAR != nil && h.importer != nil {
		if err := h.importer.ImportCAR(r.Context(), parsed.CAR); err != nil {
			h.logger.Warn("car import failed", "stream", parsed.StreamID.String(), "error", err)
		}
	}

	req, created, err := h.requests.CreateOrFind(r.Context(), models.FreshRequest{
		CID:       parsed.Tip.String(),
		StreamID:  parsed.StreamID.String(),
		Origin:    middleware.Origin(r),
		Timestamp: parsed.Timestamp,
	})
	if err != nil {
		h.logger.Error("request create failed", "error", err)
		response.InternalError(w)
		return
	}
	if created {
		metrics.CountRequestCreated()
		if err := h.requests.MarkReplaced(r.Context(), req); err != nil {
			h.logger.Error("replace marking failed", "request", req.ID.String(), "error", err)
		}
	} else {
		metrics.CountRequestFound()
	}

	h.respond(w, r, req, http.StatusCreated)
}

// Get handles GET /api/v0/requests/{cid}.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	commitCID := chi.URLParam(r, "cid")
	req, err := h.requests.FindByCID(r.Context(), commitCID)
	if err != nil {
		h.logger.Error("request lookup failed", "cid", commitCID, "error", err)
		response.InternalError(w)
		return
	}
	if req == nil {
		response.NotFound(w)
		return
	}
	h.respond(w, r, req, http.StatusOK)
}

// respond renders the presentation as JSON, or as raw CAR bytes when the
// client asks for the CAR media type and a witness exists.
func (h *RequestHandler) respond(w http.ResponseWriter, r *http.Request, req *models.Request, status int) {
	pres, err := h.presenter.Present(r.Context(), req)
	if err != nil {
		h.logger.Error("presentation failed", "request", req.ID.String(), "error", err)
		response.InternalError(w)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), response.ContentTypeCAR) && len(pres.WitnessCAR) > 0 {
		response.CAR(w, status, pres.WitnessCAR)
		return
	}
	response.JSON(w, status, pres)
}
