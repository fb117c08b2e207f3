package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zombor/billstore/internal/bill"
	"github.com/zombor/billstore/internal/imagestore"
	"github.com/zombor/billstore/internal/ingest"
)

// Problem is an RFC 7807 problem details body
type Problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Field  string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	writeJSON(w, status, Problem{Title: title, Status: status, Detail: detail})
}

// respondError maps store and pipeline errors to HTTP statuses
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *bill.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, Problem{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: verr.Error(),
			Field:  verr.Field,
		})
	case errors.Is(err, bill.ErrValidation),
		errors.Is(err, ingest.ErrUnsupportedType),
		errors.Is(err, ingest.ErrEmptyUpload):
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, bill.ErrNotFound),
		errors.Is(err, ingest.ErrTaskNotFound),
		errors.Is(err, imagestore.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, bill.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// badRequest reports malformed input that never reached the store
func badRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusBadRequest, "Bad Request", detail)
}
