package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/jobs", h.ListJobs)
	mux.HandleFunc("POST /v1/jobs", h.CreateJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.CancelJob)

	mux.HandleFunc("POST /v1/dispatch/run", h.RunSweep)
	mux.HandleFunc("GET /v1/dispatch/status", h.DispatchStatus)
	mux.HandleFunc("POST /v1/dispatch/start", h.DispatchStart)
	mux.HandleFunc("POST /v1/dispatch/stop", h.DispatchStop)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wa-scheduler"))
	})

	return mux
}
