package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pdfshelf/internal/util"
	"pdfshelf/pkg/domain"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeList(w http.ResponseWriter, books []domain.Book) {
	if books == nil {
		books = []domain.Book{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorDetails(w, status, code, msg, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
		Details:   details,
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
}

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{domain.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "BOOK_UNSUPPORTED_FORMAT"},
	{domain.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "BOOK_FILE_TOO_LARGE"},
	{domain.ErrInvalidDraft, http.StatusBadRequest, "BOOK_INVALID_DETAILS"},
	{domain.ErrInvalidQuery, http.StatusBadRequest, "BOOK_INVALID_QUERY"},
	{domain.ErrUploadCancelled, http.StatusRequestTimeout, "BOOK_UPLOAD_CANCELLED"},
	{domain.ErrTransfer, http.StatusBadGateway, "BOOK_TRANSFER_FAILED"},
	{domain.ErrForbidden, http.StatusForbidden, "BOOK_FORBIDDEN"},
	{domain.ErrNotFound, http.StatusNotFound, "BOOK_NOT_FOUND"},
	{domain.ErrReconciliationRequired, http.StatusConflict, "BOOK_RECONCILIATION_REQUIRED"},
	{domain.ErrCounterContention, http.StatusConflict, "BOOK_COUNTER_CONTENTION"},
	{domain.ErrCatalogTooLarge, http.StatusServiceUnavailable, "CATALOG_TOO_LARGE"},
}

// writeAppError maps catalog errors onto a status and a stable code. Messages
// of unexpected errors are logged, never returned.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *domain.Error
	if errors.As(err, &derr) {
		for _, m := range errorMappings {
			if errors.Is(derr, m.target) {
				if m.status >= http.StatusInternalServerError {
					util.LoggerFromContext(r.Context()).Error("request failed", "code", m.code, "err", err)
				}
				writeErrorDetails(w, m.status, m.code, derr.Message, derr.Details)
				return
			}
		}
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
}

// tagList accepts tags either as a JSON array or as a comma-separated string.
type tagList []string

func (t *tagList) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*t = domain.ParseTags(raw)
		return nil
	}
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*t = domain.NormalizeTags(tags)
	return nil
}

type patchRequest struct {
	Description *string  `json:"description"`
	Category    *string  `json:"category"`
	Tags        *tagList `json:"tags"`
}

func (p patchRequest) patch() domain.BookPatch {
	patch := domain.BookPatch{Description: p.Description, Category: p.Category}
	if p.Tags != nil {
		tags := []string(*p.Tags)
		patch.Tags = &tags
	}
	return patch
}
