package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const readinessTimeout = 5 * time.Second

type healthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{Status: "alive", Timestamp: time.Now().Unix()})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := healthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]string, len(s.Readiness)),
	}
	code := http.StatusOK
	for _, c := range s.Readiness {
		if err := c.Check(ctx); err != nil {
			s.Logger.Error("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			status.Checks[c.Name] = "unhealthy: " + err.Error()
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Checks[c.Name] = "healthy"
	}
	writeJSON(w, code, status)
}
