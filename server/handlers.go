package server

import (
	"fmt"
	"net/http"

	"github.com/tozny/queue-multicast/logging"
	"github.com/tozny/queue-multicast/route"
)

// HealthCheckHandler handles health check requests to the specified service
// returning 200 if the service is up, otherwise nothing
func HealthCheckHandler(serviceName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(fmt.Sprintf("%s service is up.\n", serviceName)))
	})
}

// StatusReporter reports the status of every configured route.
type StatusReporter interface {
	Statuses() []route.Status
}

// RoutesHandler serves the status of every configured route as JSON.
type RoutesHandler struct {
	Routes StatusReporter
	Logger logging.Logger
}

// Get writes the route statuses along with a count of running routes.
func (h RoutesHandler) Get(w http.ResponseWriter, r *http.Request) {
	statuses := h.Routes.Statuses()
	running := 0
	for _, status := range statuses {
		if status.State == route.Running.String() {
			running++
		}
	}
	body := RoutesResponse{Routes: statuses, Running: running, Total: len(statuses)}
	if err := MarshalJSONResponse(body, w); err != nil {
		h.Logger.Errorw("failed to write routes response", "error", err)
	}
}

// RoutesResponse is the body served by RoutesHandler.
type RoutesResponse struct {
	Routes  []route.Status `json:"routes"`
	Running int            `json:"running"`
	Total   int            `json:"total"`
}
