package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jardesigner/jardesigner/internal/staging"
	"github.com/jardesigner/jardesigner/internal/supervisor"
)

// StatusResponse is the generic {status, message} body.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, StatusResponse{Status: "error", Message: message})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInvalidRequest), errors.Is(err, staging.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, staging.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
