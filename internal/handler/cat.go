// Package handler contains the HTTP handlers of the Kittygram API.
//
// WHAT IS A HANDLER?
// In Go, an HTTP handler is anything that implements the http.Handler interface:
//
//	type Handler interface {
//	    ServeHTTP(ResponseWriter, *Request)
//	}
//
// Or more commonly, we use http.HandlerFunc: a function with the right signature
// that automatically satisfies the Handler interface. Chi's router accepts these directly.
//
// HANDLER RESPONSIBILITIES:
// 1. Parse the incoming HTTP request (path params, query, body, headers)
// 2. Call the service layer with the caller's identity
// 3. Write the HTTP response (status code, headers, JSON body)
//
// Ownership checks, validation and storage all live in internal/service and
// internal/media; handlers only translate between HTTP and those calls.
package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/auth"
	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/service"
)

// CatHandler manages CRUD operations for cat profiles. Photos are handled
// by MediaHandler.
//
// Every handler reads the caller from the request context (set by
// RequireAuth or OptionalAuth) and passes the user id down; the service
// and its guard decide what the caller may do.
type CatHandler struct {
	cats   *service.CatService
	logger *slog.Logger
}

func NewCatHandler(cats *service.CatService, logger *slog.Logger) *CatHandler {
	return &CatHandler{cats: cats, logger: logger}
}

type listResponse struct {
	Results []model.Cat `json:"results"`
	Count   int         `json:"count"`
	Offset  int         `json:"offset"`
}

// HandleList returns cats newest first.
//
// HTTP: GET /api/cats?limit=20&offset=0&owner=<userID>
func (h *CatHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), service.DefaultListLimit)
	if err != nil {
		writeError(w, apperror.ValidationFailed("limit", "limit must be a number"))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, apperror.ValidationFailed("offset", "offset must be a number"))
		return
	}

	cats, err := h.cats.List(r.Context(), auth.UserIDFromContext(r.Context()), limit, offset, q.Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Results: cats, Count: len(cats), Offset: offset})
}

// HandleGetByID returns a single cat.
//
// HTTP: GET /api/cats/{id}
func (h *CatHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	cat, err := h.cats.Get(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

// HandleCreate creates a cat owned by the caller.
//
// HTTP: POST /api/cats
// Body: {"name": "Barsik", "color": "Gray", "birthYear": 2020, "achievements": ["..."]}
func (h *CatHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in service.CatInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	cat, err := h.cats.Create(r.Context(), auth.UserIDFromContext(r.Context()), in)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/cats/"+cat.ID)
	writeJSON(w, http.StatusCreated, cat)
}

// HandleReplace overwrites every writable field.
//
// HTTP: PUT /api/cats/{id}
func (h *CatHandler) HandleReplace(w http.ResponseWriter, r *http.Request) {
	var in service.CatInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	cat, err := h.cats.Replace(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

// HandleUpdate applies a partial change; omitted fields are left alone.
//
// HTTP: PATCH /api/cats/{id}
func (h *CatHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch model.CatPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	cat, err := h.cats.Update(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

// HandleDelete removes a cat.
//
// HTTP: DELETE /api/cats/{id}
func (h *CatHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.cats.Delete(r.Context(), auth.UserIDFromContext(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent) // 204 No Content: successful deletion, no body
}

func queryInt(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
