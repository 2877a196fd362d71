package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"drainsrv/internal/domain"
)

func writeError(w http.ResponseWriter, status int, body domain.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
