package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/cardledger/card-service/internal/repository"
	"github.com/cardledger/card-service/internal/service"
)

type errorMessage struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// respondError maps the service error taxonomy onto HTTP statuses:
// collapsed not-found/validation failures become 400, access denials
// 403, aborted serializable transactions 409 (retryable), anything else
// is an opaque 500.
func respondError(w http.ResponseWriter, log *logrus.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrAccessDenied):
		respondJSON(w, http.StatusForbidden, errorMessage{Error: err.Error()})
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrConflict):
		respondJSON(w, http.StatusBadRequest, errorMessage{Error: err.Error()})
	case errors.Is(err, repository.ErrSerialization):
		respondJSON(w, http.StatusConflict, errorMessage{Error: "operation conflicted with a concurrent one, please retry"})
	default:
		log.WithError(err).Error("Internal error")
		respondJSON(w, http.StatusInternalServerError, errorMessage{Error: "internal error"})
	}
}
