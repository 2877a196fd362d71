package middleware

import (
	"net/http"
	"strconv"

	"drainsrv/internal/domain"
)

// MaxBodySize caps request bodies at maxBytes. A declared Content-Length over
// the cap is refused with 413 before the handler runs, and the connection is
// not reused since the unread body is still on the wire.
func MaxBodySize(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				w.Header().Set("Connection", "close")
				writeError(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{
					Error:   "payload_too_large",
					Message: "request body exceeds " + strconv.FormatInt(maxBytes, 10) + " bytes",
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
