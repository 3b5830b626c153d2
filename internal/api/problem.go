package api

import (
	"errors"
	"net/http"

	"wgfleet/internal/apperr"
	"wgfleet/internal/models"
)

// writeError маппит классы ошибок ядра на HTTP-статусы.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrAddressExhausted),
		errors.Is(err, apperr.ErrAddressConflict):
		models.WriteProblem(w, http.StatusBadRequest, "validation error", err.Error(), nil)
	case errors.Is(err, apperr.ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "not found", err.Error(), nil)
	case errors.Is(err, apperr.ErrToken):
		models.WriteProblem(w, http.StatusUnauthorized, "token error", err.Error(), nil)
	case errors.Is(err, apperr.ErrPrivateKeyNotStored):
		models.WriteProblem(w, http.StatusConflict, "private key not stored", err.Error(), nil)
	case errors.Is(err, apperr.ErrKey):
		models.WriteProblem(w, http.StatusInternalServerError, "key error", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "internal error", err.Error(), nil)
	}
}
