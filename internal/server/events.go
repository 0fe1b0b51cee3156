package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/store"
)

const (
	eventNodeCreated         = "node.created"
	eventNodeUpdated         = "node.updated"
	eventNodeDeleted         = "node.deleted"
	eventAllocationCommitted = "allocation.committed"
	eventAllocationReleased  = "allocation.released"

	maxEventsPerRequest = 500
)

// recordEvent appends to the fleet event log. Failures are logged and never
// fail the request that caused them.
func (s *Server) recordEvent(r *http.Request, eventType, nodeID string, meta map[string]interface{}) {
	if s.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	err := s.Events.Record(ctx, store.FleetEvent{
		Type:   eventType,
		NodeID: nodeID,
		IP:     clientIP(r, s.trustedProxies),
		Meta:   meta,
	})
	if err != nil {
		s.Logger.Warn("record fleet event", zap.String("type", eventType), zap.Error(err))
	}
}

func (s *Server) handleFleetEvents(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		if n > maxEventsPerRequest {
			n = maxEventsPerRequest
		}
		limit = n
	}
	events, err := s.Events.Recent(r.Context(), limit)
	if err != nil {
		s.Logger.Error("list fleet events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
