package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/savantaudio/internal/configflow"
	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
	"github.com/nerrad567/savantaudio/internal/savant"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeUnauthorized      = "unauthorised"
	ErrCodeConflict          = "conflict"
	ErrCodeInternal          = "internal_error"
	ErrCodeValidation        = "validation_error"
	ErrCodeDeviceUnreachable = "device_unreachable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps errors from the entry, flow and media player
// packages onto HTTP responses.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, entry.ErrEntryNotFound):
		writeNotFound(w, "config entry not found")
	case errors.Is(err, configflow.ErrFlowNotFound):
		writeNotFound(w, "flow not found")
	case errors.Is(err, mediaplayer.ErrZoneNotFound):
		writeNotFound(w, "entity not found")
	case errors.Is(err, configflow.ErrFlowBusy),
		errors.Is(err, entry.ErrEntryExists),
		errors.Is(err, entry.ErrInvalidState):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, entry.ErrInvalidConfig),
		errors.Is(err, mediaplayer.ErrUnknownService),
		errors.Is(err, mediaplayer.ErrInvalidParameter),
		errors.Is(err, mediaplayer.ErrUnknownSource),
		errors.Is(err, mediaplayer.ErrInvalidVolume):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, entry.ErrSetupFailed),
		errors.Is(err, entry.ErrUnloadFailed),
		errors.Is(err, mediaplayer.ErrCannotConnect),
		errors.Is(err, savant.ErrConnect),
		errors.Is(err, savant.ErrClosed):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceUnreachable, err.Error())
	default:
		writeInternalError(w, fallback)
	}
}
