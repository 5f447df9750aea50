package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves /healthz (detailed JSON), /healthz/live, and
// /healthz/ready.
func Handler(m *Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		rep := m.Report(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})

	mux.HandleFunc("/healthz/live", func(w http.ResponseWriter, r *http.Request) {
		if m.IsLive(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	mux.HandleFunc("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		if m.IsReady(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	return mux
}
