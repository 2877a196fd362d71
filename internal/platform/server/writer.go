package server

import (
	"bufio"
	"io"
	"net"
	"net/http"
)

// closeWhenDraining asks HTTP/1 clients not to reuse the connection for any
// response whose headers are written after draining began. net/http then
// closes the socket itself once the response is sent.
func (s *Server) closeWhenDraining(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor != 1 {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(&drainWriter{ResponseWriter: w, draining: s.tracker.Draining}, r)
	})
}

type drainWriter struct {
	http.ResponseWriter
	draining    func() bool
	wroteHeader bool
}

func (w *drainWriter) markClose() {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if w.draining() {
		w.Header().Set("Connection", "close")
	}
}

func (w *drainWriter) WriteHeader(code int) {
	// 1xx responses are followed by the real header.
	if code >= 100 && code < 200 {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.markClose()
	w.ResponseWriter.WriteHeader(code)
}

func (w *drainWriter) Write(b []byte) (int, error) {
	w.markClose()
	return w.ResponseWriter.Write(b)
}

func (w *drainWriter) Flush() {
	w.markClose()
	http.NewResponseController(w.ResponseWriter).Flush()
}

// ReadFrom keeps the sendfile path of the underlying response.
func (w *drainWriter) ReadFrom(r io.Reader) (int64, error) {
	w.markClose()
	return io.Copy(w.ResponseWriter, r)
}

// Hijack hands the connection to the handler. The tracker forgets it on
// StateHijacked, so Stop no longer waits for it.
func (w *drainWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *drainWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
