package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fleetd/internal/fleet"
	"fleetd/internal/store"
)

const maxRequestBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type capacityErrorBody struct {
	NodeID    string         `json:"node_id"`
	Resource  fleet.Resource `json:"resource"`
	Available int64          `json:"available"`
	Requested int64          `json:"requested"`
}

// writeFleetError maps ledger and registry errors onto HTTP responses. A
// capacity rejection carries the resource and the numbers so the caller can
// pick another node.
func (s *Server) writeFleetError(w http.ResponseWriter, err error, fallback string) {
	var capErr *fleet.CapacityError
	switch {
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"message": capErr.Error(),
			"error": capacityErrorBody{
				NodeID:    capErr.NodeID,
				Resource:  capErr.Resource,
				Available: capErr.Available,
				Requested: capErr.Requested,
			},
		})
	case errors.Is(err, fleet.ErrUnknownNode), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Node not found")
	case errors.Is(err, errNoEligibleNode):
		writeError(w, http.StatusConflict, "No node can fit the requested resources")
	case errors.Is(err, fleet.ErrNodeInUse):
		writeError(w, http.StatusConflict, "Node still has servers allocated")
	case errors.Is(err, fleet.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "Memory and disk must be non-negative")
	default:
		s.Logger.Error(fallback, zap.Error(err))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func clientIP(r *http.Request, trusted []net.IPNet) string {
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || remoteHost == "" {
		remoteHost = r.RemoteAddr
	}

	// Forwarded headers only count when the direct peer is a trusted proxy.
	if remoteHost != "" && isTrustedProxy(remoteHost, trusted) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return strings.TrimSpace(xrip)
		}
	}
	return remoteHost
}

func parseProxyCIDRs(values []string) []net.IPNet {
	var nets []net.IPNet
	for _, v := range values {
		val := strings.TrimSpace(v)
		if val == "" {
			continue
		}
		if ip := net.ParseIP(val); ip != nil {
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			nets = append(nets, net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		if _, cidr, err := net.ParseCIDR(val); err == nil {
			nets = append(nets, *cidr)
		}
	}
	return nets
}

func isTrustedProxy(ipStr string, proxies []net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
