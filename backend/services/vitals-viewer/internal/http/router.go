package httpserver

import (
	"net/http"

	"healthsense/backend/services/vitals-viewer/internal/http/handlers"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	StateHandlers *handlers.StateHandlers
	HealthHandler http.HandlerFunc
}

// NewRouter wires the operator control surface.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", method(http.MethodGet, deps.HealthHandler))

	mux.Handle("/api/v1/state", method(http.MethodGet, http.HandlerFunc(deps.StateHandlers.State)))
	mux.Handle("/api/v1/state/stream", method(http.MethodGet, http.HandlerFunc(deps.StateHandlers.Stream)))
	mux.Handle("/api/v1/mode", method(http.MethodPut, http.HandlerFunc(deps.StateHandlers.SetMode)))
	mux.Handle("/api/v1/reload", method(http.MethodPost, http.HandlerFunc(deps.StateHandlers.Reload)))

	return mux
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
