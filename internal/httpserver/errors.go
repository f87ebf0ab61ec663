package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"wacampaign/internal/domain"
)

const (
	ErrInvalidJSON   = "invalid json"
	ErrMissingUser   = "missing X-User-ID header"
	ErrDependency    = "dependency error"
	ErrNotFound      = "not found"
	ErrGatewayConfig = "gateway not configured"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg})
}

// statusFor maps service errors to a status code and the message safe to return.
// Anything unrecognised is a dependency failure and its detail stays in the logs.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrCampaignNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrGatewayNotConfigured):
		return http.StatusServiceUnavailable, ErrGatewayConfig
	case errors.Is(err, domain.ErrInstanceExists):
		return http.StatusConflict, err.Error()
	case domain.ValidationError(err):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusBadGateway, ErrDependency
	}
}
