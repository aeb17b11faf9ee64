package handler

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/auth"
	"github.com/sakif/kittygram/internal/blob"
	"github.com/sakif/kittygram/internal/media"
	"github.com/sakif/kittygram/internal/service"
)

// formField is the multipart field (and JSON key) that carries the photo.
const formField = "image"

// MediaHandler accepts cat photos and serves stored ones.
//
// UPLOAD FORMATS (PUT /api/cats/{id}/image):
//
//	multipart/form-data   field "image", the usual browser upload
//	application/json      {"image": "data:image/png;base64,iVBOR..."},
//	                      what the Kittygram front-end sends
//	image/* (raw body)    curl --data-binary @cat.jpg
//
// All three end in the same media.Pipeline call. The body is capped with
// http.MaxBytesReader a little above the photo limit; the pipeline itself
// enforces the exact limit on the decoded bytes.
type MediaHandler struct {
	pipeline *media.Pipeline
	cats     *service.CatService
	blobs    blob.Store
	logger   *slog.Logger
}

func NewMediaHandler(pipeline *media.Pipeline, cats *service.CatService, blobs blob.Store, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{pipeline: pipeline, cats: cats, blobs: blobs, logger: logger}
}

// HandleUpload replaces a cat's photo and returns the updated cat.
//
// HTTP: PUT /api/cats/{id}/image
// Auth: Required (owner only)
func (h *MediaHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	catID := chi.URLParam(r, "id")
	limit := h.pipeline.MaxBytes()

	up := media.Upload{OwnerID: userID, CatID: catID, DeclaredSize: -1}
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch contentType {
	case "multipart/form-data":
		// Multipart framing adds a few hundred bytes around the file.
		r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)
		part, err := imagePart(r)
		if err != nil {
			writeError(w, photoLimit(err, limit))
			return
		}
		defer part.Close()
		up.Body = part
		up.DeclaredType = part.Header.Get("Content-Type")

	case "application/json":
		// base64 inflates by 4/3.
		r.Body = http.MaxBytesReader(w, r.Body, limit/3*4+64<<10)
		var req struct {
			Image string `json:"image"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, photoLimit(err, limit))
			return
		}
		data, declared, err := decodeDataURI(req.Image)
		if err != nil {
			writeError(w, err)
			return
		}
		up.Body = bytes.NewReader(data)
		up.DeclaredType = declared
		up.DeclaredSize = int64(len(data))

	default:
		r.Body = http.MaxBytesReader(w, r.Body, limit+1)
		up.Body = r.Body
		up.DeclaredType = r.Header.Get("Content-Type")
		up.DeclaredSize = r.ContentLength
	}

	if _, err := h.pipeline.Ingest(r.Context(), up); err != nil {
		writeError(w, err)
		return
	}

	cat, err := h.cats.Get(r.Context(), userID, catID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

// photoLimit restates a transport cap overflow in terms of the photo limit.
// The readers above allow for framing and base64, and their byte counts mean
// nothing to the client.
func photoLimit(err error, limit int64) error {
	if apperror.ReasonOf(err) == apperror.ReasonTooLarge {
		return apperror.TooLarge(limit)
	}
	return err
}

// imagePart walks the multipart stream to the "image" field without
// buffering the whole form.
func imagePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperror.ValidationFailed(formField, "malformed multipart body")
	}
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apperror.ValidationFailed(formField, "image is required")
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, apperror.TooLarge(maxErr.Limit)
			}
			return nil, apperror.ValidationFailed(formField, "malformed multipart body")
		}
		if p.FormName() == formField {
			return p, nil
		}
		p.Close()
	}
}

// decodeDataURI parses "data:<type>;base64,<payload>".
func decodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", apperror.ValidationFailed(formField, "image must be a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", apperror.ValidationFailed(formField, "image must be a data URI")
	}
	declared, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", apperror.ValidationFailed(formField, "image data URI must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", apperror.ValidationFailed(formField, "image data URI is not valid base64")
	}
	return data, declared, nil
}

// HandleServe streams a stored photo.
//
// HTTP: GET /media/{key...}
//
// Keys are random and never reused, so the response can be cached forever.
func (h *MediaHandler) HandleServe(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	obj, err := h.blobs.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, apperror.NotFound("media", key))
			return
		}
		h.logger.Error("opening stored photo failed", slog.String("key", key), slog.String("error", err.Error()))
		writeError(w, apperror.Storage("reading photo", err))
		return
	}
	defer obj.Body.Close()

	ct := obj.ContentType
	if !media.Allowed(ct) {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Warn("streaming photo interrupted", slog.String("key", key), slog.String("error", err.Error()))
	}
}
