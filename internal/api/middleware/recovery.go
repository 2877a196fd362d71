package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"drainsrv/internal/api"
	"drainsrv/internal/domain"
)

// Recovery turns a handler panic into a 500 and retires the connection.
// http.ErrAbortHandler is re-raised so net/http can abort the response quietly.
// If the handler had already started its response nothing more is written.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := api.NewStatusWriter(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			slog.Error("panic recovered",
				"error", rec,
				"request_id", api.RequestIDFromContext(r.Context()),
				"stack", string(debug.Stack()),
			)
			if sw.Wrote {
				return
			}
			w.Header().Set("Connection", "close")
			writeError(sw, http.StatusInternalServerError, domain.ErrorResponse{
				Error:   "internal_error",
				Message: "an unexpected error occurred",
			})
		}()
		next.ServeHTTP(sw, r)
	})
}
