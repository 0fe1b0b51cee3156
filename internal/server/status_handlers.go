package server

import (
	"net/http"

	"fleetd/internal/fleet"
)

// handleStatus serves the public status page. Which sections appear is
// controlled by the STATUS_PAGE_* settings.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	page := s.Config.StatusPage
	if !page.Enabled {
		writeError(w, http.StatusForbidden, "Status page is disabled")
		return
	}

	summary := s.Scheduler.Summary()
	data := map[string]interface{}{}

	if page.ShowNodeStatus || page.ShowLoadUsage {
		g := summary.Global
		global := map[string]interface{}{
			"total_nodes":     g.TotalNodes,
			"healthy_nodes":   g.HealthyNodes,
			"unhealthy_nodes": g.UnhealthyNodes,
		}
		if page.ShowLoadUsage {
			global["total_memory"] = g.TotalMemory
			global["used_memory"] = g.UsedMemory
			global["total_disk"] = g.TotalDisk
			global["used_disk"] = g.UsedDisk
			global["avg_cpu_percent"] = g.AvgCPUPercent
		}
		data["global"] = global
	}

	if page.ShowIndividualNodes {
		nodes := make([]map[string]interface{}, 0, len(summary.Nodes))
		for _, n := range summary.Nodes {
			nodes = append(nodes, statusNode(n))
		}
		data["nodes"] = nodes
	}

	if page.ShowTotalServers {
		data["total_servers"] = summary.Global.TotalServers
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"data":    data,
	})
}

func statusNode(n fleet.NodeSummary) map[string]interface{} {
	return map[string]interface{}{
		"id":           n.ID,
		"name":         n.Name,
		"fqdn":         n.FQDN,
		"status":       n.Status,
		"server_count": n.ServerCount,
		"utilization":  n.Utilization,
	}
}

func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scheduler.Summary())
}
