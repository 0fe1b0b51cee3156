package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fleetd/internal/fleet"
)

type recommendRequest struct {
	Memory     int64 `json:"memory"`
	Disk       int64 `json:"disk"`
	LocationID *int  `json:"location_id"`
}

type validateRequest struct {
	NodeID string `json:"node_id"`
	Memory int64  `json:"memory"`
	Disk   int64  `json:"disk"`
}

type allocationRequest struct {
	ServerID   string `json:"server_id"`
	NodeID     string `json:"node_id"`
	Memory     int64  `json:"memory"`
	Disk       int64  `json:"disk"`
	LocationID *int   `json:"location_id"`
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	candidates, err := s.Advisor.Rank(fleet.PlacementRequest{Memory: req.Memory, Disk: req.Disk, LocationID: req.LocationID})
	if err != nil {
		s.writeFleetError(w, err, "Failed to rank nodes")
		return
	}

	resp := map[string]interface{}{
		"found":      len(candidates) > 0,
		"node_id":    nil,
		"candidates": candidates,
	}
	if len(candidates) > 0 {
		resp["node_id"] = candidates[0].NodeID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.NodeID) == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: node_id")
		return
	}
	if err := s.Advisor.Validate(req.NodeID, req.Memory, req.Disk); err != nil {
		s.writeFleetError(w, err, "Failed to validate placement")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "node_id": req.NodeID})
}

// handleCreateAllocation reserves capacity for a new server. Without a
// node_id the best ranked node is used, falling through to the next one if a
// concurrent placement took the space first.
func (s *Server) handleCreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ServerID = strings.TrimSpace(req.ServerID)
	if req.ServerID == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: server_id")
		return
	}

	var (
		alloc fleet.ServerAllocation
		err   error
	)
	if nodeID := strings.TrimSpace(req.NodeID); nodeID != "" {
		alloc, err = s.Ledger.Reserve(r.Context(), nodeID, req.ServerID, req.Memory, req.Disk)
	} else {
		alloc, err = s.reserveBest(r, req)
	}
	if err != nil {
		s.writeFleetError(w, err, "Failed to reserve capacity")
		return
	}
	s.Scheduler.Refresh()
	s.recordEvent(r, eventAllocationCommitted, alloc.NodeID, map[string]interface{}{
		"allocation_id": alloc.ID,
		"server_id":     alloc.ServerID,
		"memory":        alloc.MemoryReserved,
		"disk":          alloc.DiskReserved,
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{"allocation": alloc})
}

var errNoEligibleNode = errors.New("no eligible node")

func (s *Server) reserveBest(r *http.Request, req allocationRequest) (fleet.ServerAllocation, error) {
	candidates, err := s.Advisor.Rank(fleet.PlacementRequest{Memory: req.Memory, Disk: req.Disk, LocationID: req.LocationID})
	if err != nil {
		return fleet.ServerAllocation{}, err
	}
	var lastErr error = errNoEligibleNode
	for _, c := range candidates {
		alloc, err := s.Ledger.Reserve(r.Context(), c.NodeID, req.ServerID, req.Memory, req.Disk)
		if err == nil {
			return alloc, nil
		}
		if !errors.Is(err, fleet.ErrCapacityExceeded) && !errors.Is(err, fleet.ErrUnknownNode) {
			return fleet.ServerAllocation{}, err
		}
		s.Logger.Debug("candidate lost placement race", zap.String("node_id", c.NodeID), zap.Error(err))
		lastErr = err
	}
	return fleet.ServerAllocation{}, lastErr
}

func (s *Server) handleReleaseAllocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "allocationId")
	alloc, held := s.Ledger.Allocation(id)
	if err := s.Ledger.Release(r.Context(), id); err != nil {
		s.writeFleetError(w, err, "Failed to release allocation")
		return
	}
	s.Scheduler.Refresh()
	if held {
		s.recordEvent(r, eventAllocationReleased, alloc.NodeID, map[string]interface{}{
			"allocation_id": alloc.ID,
			"server_id":     alloc.ServerID,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}
