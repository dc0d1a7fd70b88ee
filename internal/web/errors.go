package web

// errors.go maps pipeline errors onto HTTP responses. Every error is logged
// with its technical detail and request id server-side, and returned to the
// client as structured JSON: validation problems as 400, unknown jobs as
// 404, resume offset mismatches as 409 carrying the actual staged size, and
// everything else as 500.

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dkaplan/importd/internal/logging"
	"github.com/dkaplan/importd/internal/receiver"
	"github.com/dkaplan/importd/internal/store"
)

// errorResponse is the JSON body of every error response.
type errorResponse struct {
	Error       string `json:"error"`
	CurrentSize *int64 `json:"currentSize,omitempty"`
}

// respondError writes the JSON error response for err.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: err.Error()}

	var (
		validationErr *store.ValidationError
		conflictErr   *receiver.ConflictError
		maxBytesErr   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.As(err, &conflictErr):
		status = http.StatusConflict
		body.Error = "invalid resume position"
		body.CurrentSize = &conflictErr.CurrentSize
	case errors.As(err, &maxBytesErr):
		status = http.StatusRequestEntityTooLarge
	}

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
