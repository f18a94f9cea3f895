package server

import (
	"net/http"
)

// NoMethodHandler handles HTTP requests if no other method is matched.
type NoMethodHandler interface {
	NoMethod(w http.ResponseWriter, r *http.Request)
}

// GetHandler is an HTTP handler function capable of handling GET requests.
type GetHandler interface {
	Get(w http.ResponseWriter, r *http.Request)
}

// RouteMethods routes HTTP requests to corresponding handling functions based on
// request method. HEAD requests are served by Get. If a method is called that is
// not defined, it will return HTTP 405 Method Not Allowed, or the struct can
// declare a NoMethod method to custom handle the catch-all route.
func RouteMethods(mh interface{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			if h, ok := mh.(GetHandler); ok {
				h.Get(w, r)
				return
			}
		}
		if h, ok := mh.(NoMethodHandler); ok {
			h.NoMethod(w, r)
		} else {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}
