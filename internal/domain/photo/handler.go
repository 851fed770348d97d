package photo

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pkgerrs "github.com/mwork/photofabric/internal/errs"
	"github.com/mwork/photofabric/internal/pkg/errorhandler"
	"github.com/mwork/photofabric/internal/pkg/response"
)

// MaxUploadSize bounds the multipart body the ingress coordinator will
// ever see; spec.md §4.C5 validates content against the sniffed MIME
// type and size, but the HTTP layer rejects oversized bodies first.
const MaxUploadSize = 64 * 1024 * 1024

// Handler handles the C10 HTTP surface for photo ingestion.
type Handler struct {
	service *Service
}

// NewHandler builds a photo Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Upload handles POST /photos: multipart form with a "file" part plus
// client_id/session_id/pipeline/priority fields, admitted through the
// ingress coordinator (spec.md §4.C5).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		response.BadRequest(w, "file too large or invalid form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, ErrMissingFile.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		response.InternalError(w)
		return
	}

	req := UploadRequest{
		Bytes:        data,
		OriginalName: header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		ClientID:     r.FormValue("client_id"),
		SessionID:    r.FormValue("session_id"),
		UserID:       r.FormValue("user_id"),
		PipelineName: r.FormValue("pipeline"),
	}
	if p := r.FormValue("priority"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			req.Priority = n
		}
	}

	result, err := h.service.Upload(r.Context(), req)
	if err != nil {
		writeUploadError(r.Context(), w, err)
		return
	}

	response.Created(w, result)
}

func writeUploadError(ctx context.Context, w http.ResponseWriter, err error) {
	switch pkgerrs.KindOf(err) {
	case pkgerrs.KindValidation:
		response.BadRequest(w, err.Error())
	case pkgerrs.KindTransient, pkgerrs.KindTimeout:
		errorhandler.HandleError(ctx, w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "try again", err)
	default:
		errorhandler.HandleError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", err)
	}
}

// GetStatus handles GET /photos/{id}.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, ErrInvalidID.Error())
		return
	}

	status, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		if pkgerrs.KindOf(err) == pkgerrs.KindNotFound {
			response.NotFound(w, "photo not found")
			return
		}
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", err)
		return
	}

	response.OK(w, status)
}

// List handles GET /photos: ordered range query scoped by client_id,
// user_id, and an optional text search (spec.md §4.C2).
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := ListFilter{
		ClientID: q.Get("client_id"),
		UserID:   q.Get("user_id"),
		Search:   q.Get("search"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", err)
		return
	}

	response.OK(w, result)
}
