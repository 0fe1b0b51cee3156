package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fleetd/internal/fleet"
	"fleetd/internal/store"
)

type nodeRequest struct {
	Name               string `json:"name"`
	FQDN               string `json:"fqdn"`
	Scheme             string `json:"scheme"`
	DaemonPort         int    `json:"daemon_port"`
	DaemonToken        string `json:"daemon_token"`
	Memory             int64  `json:"memory"`
	MemoryOverallocate int    `json:"memory_overallocate"`
	Disk               int64  `json:"disk"`
	DiskOverallocate   int    `json:"disk_overallocate"`
	LocationID         int    `json:"location_id"`
	MaintenanceMode    bool   `json:"maintenance_mode"`
	BehindProxy        bool   `json:"behind_proxy"`
	Public             *bool  `json:"public"`
}

func (req nodeRequest) toNode(id string) fleet.Node {
	scheme := fleet.Scheme(strings.ToLower(strings.TrimSpace(req.Scheme)))
	if scheme == "" {
		scheme = fleet.SchemeHTTPS
	}
	port := req.DaemonPort
	if port == 0 {
		port = 8080
	}
	public := true
	if req.Public != nil {
		public = *req.Public
	}
	var flags fleet.NodeFlags
	flags = flags.
		With(fleet.FlagMaintenance, req.MaintenanceMode).
		With(fleet.FlagBehindProxy, req.BehindProxy).
		With(fleet.FlagPublic, public)

	return fleet.Node{
		ID:                 id,
		Name:               strings.TrimSpace(req.Name),
		FQDN:               strings.TrimSpace(req.FQDN),
		Scheme:             scheme,
		DaemonPort:         port,
		DaemonToken:        strings.TrimSpace(req.DaemonToken),
		Memory:             req.Memory,
		MemoryOverallocate: req.MemoryOverallocate,
		Disk:               req.Disk,
		DiskOverallocate:   req.DiskOverallocate,
		LocationID:         req.LocationID,
		Flags:              flags,
	}
}

type nodeResponse struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	FQDN               string    `json:"fqdn"`
	Scheme             string    `json:"scheme"`
	DaemonPort         int       `json:"daemon_port"`
	Memory             int64     `json:"memory"`
	MemoryOverallocate int       `json:"memory_overallocate"`
	Disk               int64     `json:"disk"`
	DiskOverallocate   int       `json:"disk_overallocate"`
	LocationID         int       `json:"location_id"`
	MaintenanceMode    bool      `json:"maintenance_mode"`
	BehindProxy        bool      `json:"behind_proxy"`
	Public             bool      `json:"public"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func buildNodeResponse(n *fleet.Node) nodeResponse {
	return nodeResponse{
		ID:                 n.ID,
		Name:               n.Name,
		FQDN:               n.FQDN,
		Scheme:             string(n.Scheme),
		DaemonPort:         n.DaemonPort,
		Memory:             n.Memory,
		MemoryOverallocate: n.MemoryOverallocate,
		Disk:               n.Disk,
		DiskOverallocate:   n.DiskOverallocate,
		LocationID:         n.LocationID,
		MaintenanceMode:    n.InMaintenance(),
		BehindProxy:        n.BehindProxy(),
		Public:             n.Flags.Has(fleet.FlagPublic),
		CreatedAt:          n.CreatedAt,
		UpdatedAt:          n.UpdatedAt,
	}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Registry.ListNodes(r.Context())
	if err != nil {
		s.Logger.Error("list nodes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list nodes")
		return
	}
	resp := make([]nodeResponse, 0, len(nodes))
	for i := range nodes {
		resp = append(resp, buildNodeResponse(&nodes[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": resp})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.Registry.GetNode(r.Context(), chi.URLParam(r, "nodeId"))
	if err != nil {
		s.Logger.Error("get node", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load node")
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "Node not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"node": buildNodeResponse(node)})
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	node := req.toNode("")
	if errs := node.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": errs[0], "errors": errs})
		return
	}
	if node.DaemonToken == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: daemon_token")
		return
	}

	created, err := s.Registry.CreateNode(r.Context(), node)
	if err != nil {
		s.writeFleetError(w, err, "Failed to create node")
		return
	}
	s.Ledger.SetNode(*created)
	s.Scheduler.Refresh()

	s.recordEvent(r, eventNodeCreated, created.ID, map[string]interface{}{"name": created.Name, "fqdn": created.FQDN})
	s.Logger.Info("node created", zap.String("node_id", created.ID), zap.String("fqdn", created.FQDN))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"node": buildNodeResponse(created)})
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	node := req.toNode(chi.URLParam(r, "nodeId"))
	if errs := node.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": errs[0], "errors": errs})
		return
	}

	updated, err := s.Registry.UpdateNode(r.Context(), node)
	if err != nil {
		s.writeFleetError(w, err, "Failed to update node")
		return
	}
	s.Ledger.SetNode(*updated)
	if updated.InMaintenance() {
		s.Probe.Forget(r.Context(), updated.ID)
	}
	s.Scheduler.Refresh()
	s.recordEvent(r, eventNodeUpdated, updated.ID, map[string]interface{}{
		"memory":      updated.Memory,
		"disk":        updated.Disk,
		"maintenance": updated.InMaintenance(),
	})

	if committed, ok := s.Ledger.UtilizationFor(updated.ID); ok {
		if err := s.Ledger.Check(updated.ID, 0, 0); err != nil {
			s.Logger.Warn("node capacity lowered below committed reservations",
				zap.String("node_id", updated.ID),
				zap.Int64("memory_committed", committed.Memory),
				zap.Int64("disk_committed", committed.Disk))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"node": buildNodeResponse(updated)})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	existing, err := s.Registry.GetNode(r.Context(), nodeID)
	if err != nil {
		s.Logger.Error("get node", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load node")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Node not found")
		return
	}

	if err := s.Ledger.RemoveNode(nodeID); err != nil {
		s.writeFleetError(w, err, "Failed to delete node")
		return
	}
	if err := s.Registry.DeleteNode(r.Context(), nodeID); err != nil {
		// Put the node back so the ledger keeps matching the registry.
		s.Ledger.SetNode(*existing)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Node not found")
			return
		}
		s.writeFleetError(w, err, "Failed to delete node")
		return
	}
	s.Probe.Forget(r.Context(), nodeID)
	s.Scheduler.Refresh()

	s.recordEvent(r, eventNodeDeleted, nodeID, map[string]interface{}{"name": existing.Name})
	s.Logger.Info("node deleted", zap.String("node_id", nodeID))
	w.WriteHeader(http.StatusNoContent)
}

type resourceUsage struct {
	Declared  int64 `json:"declared"`
	Limit     int64 `json:"limit"`
	Unlimited bool  `json:"unlimited"`
	Committed int64 `json:"committed"`
	Available int64 `json:"available"`
}

func usageFor(node fleet.Node, res fleet.Resource, declared, committed int64) resourceUsage {
	limit, enforced := node.Limit(res)
	u := resourceUsage{Declared: declared, Committed: committed, Unlimited: !enforced}
	if enforced {
		u.Limit = limit
		u.Available = limit - committed
		if u.Available < 0 {
			u.Available = 0
		}
	}
	return u
}

func (s *Server) handleNodeResources(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	node, ok := s.Ledger.Node(nodeID)
	if !ok {
		writeError(w, http.StatusNotFound, "Node not found")
		return
	}
	committed, _ := s.Ledger.UtilizationFor(nodeID)

	resp := map[string]interface{}{
		"node_id":     nodeID,
		"memory":      usageFor(node, fleet.ResourceMemory, node.Memory, committed.Memory),
		"disk":        usageFor(node, fleet.ResourceDisk, node.Disk, committed.Disk),
		"servers":     committed.Servers,
		"allocations": s.Ledger.Allocations(nodeID),
		"healthy":     false,
		"failures":    s.Probe.Failures(nodeID),
	}
	if u, ok := s.Probe.Latest(nodeID); ok {
		resp["utilization"] = u
	}
	for _, n := range s.Scheduler.Summary().Nodes {
		if n.ID == nodeID {
			resp["healthy"] = n.Status == fleet.StatusHealthy
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
