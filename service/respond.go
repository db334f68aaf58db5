package service

import (
	"encoding/json"
	"net/http"

	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/registry"
)

// ErrorTypeNotFound marks a request for a file the container does not hold.
// It has no registry kind because it never concerns a device.
const ErrorTypeNotFound = "NotFound"

func statusForKind(kind registry.Kind) int {
	switch kind {
	case registry.KindInvalidInput:
		return http.StatusBadRequest
	case registry.KindUnauthenticated:
		return http.StatusUnauthorized
	case registry.KindForbidden:
		return http.StatusForbidden
	case registry.KindConflict:
		return http.StatusConflict
	case registry.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Could not encode response", "error", err)
	}
}

// writeError renders err as an ErrorResponse. Causes of store failures are
// logged, never sent.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	kind := registry.KindOf(err)
	status := statusForKind(kind)
	message := registry.ReasonOf(err)
	if kind == registry.KindUnknown {
		message = http.StatusText(status)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Device realm="edgegate"`)
	}
	s.writeJSON(w, status, models.ErrorResponse{
		ErrorType: kind.String(),
		Message:   message,
	})
}
