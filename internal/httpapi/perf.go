package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetLatency()
	}
	respondJSON(w, http.StatusOK, s.metrics.LatencyReport())
}
