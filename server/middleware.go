package server

import (
	"net/http"
	"time"

	"github.com/tozny/queue-multicast/logging"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// ApplyMiddleware wraps h with each middleware in order, so the first
// middleware is the outermost.
func ApplyMiddleware(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs the method, uri, status and duration of every request.
func LoggingMiddleware(logger logging.Logger) Middleware {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			h.ServeHTTP(recorder, r)
			logger.Debugw("served ops request",
				"request_method", r.Method,
				"request_uri", r.RequestURI,
				"requester_address", r.RemoteAddr,
				"status", recorder.status,
				"duration", time.Since(start))
		})
	}
}
