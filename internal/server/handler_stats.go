package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nixpig/taskworker/internal/stats"
)

type statsResponse struct {
	Stats       stats.Snapshot `json:"stats"`
	Uptime      string         `json:"uptime"`
	Started     string         `json:"started"`
	CurrentTime string         `json:"current_time"`
}

// handleStats reports attempt counters, uptime and host usage.
// GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		// Counters are still valid without host stats.
		s.logger.Warn("stats snapshot", "err", err)
	}

	respondJSON(w, http.StatusOK, statsResponse{
		Stats:       snap,
		Uptime:      snap.UptimeString(),
		Started:     snap.StartedString(),
		CurrentTime: snap.CurrentTime.Format(time.DateTime),
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}
