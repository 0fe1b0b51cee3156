package fleet

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
)

// HealthChecker decides whether a node may receive new servers.
type HealthChecker interface {
	Healthy(node Node) bool
}

// Candidate is a node that passed every placement filter, with the utilization
// ratio it would have after taking the request. Unsized candidates put the
// request on a resource declared as zero, so no ratio exists and they rank
// after every sized node.
type Candidate struct {
	NodeID      string  `json:"node_id"`
	Name        string  `json:"name"`
	LocationID  int     `json:"location_id"`
	MemoryRatio float64 `json:"memory_ratio"`
	DiskRatio   float64 `json:"disk_ratio"`
	Score       float64 `json:"score"`
	Unsized     bool    `json:"unsized,omitempty"`
}

type PlacementRequest struct {
	Memory     int64
	Disk       int64
	LocationID *int
}

// Advisor picks nodes for new servers using the ledger as the capacity
// authority and the aggregator's health view.
type Advisor struct {
	ledger *Ledger
	health HealthChecker
	logger *zap.Logger
}

func NewAdvisor(ledger *Ledger, health HealthChecker, logger *zap.Logger) *Advisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{ledger: ledger, health: health, logger: logger.Named("placement")}
}

// Rank returns every eligible node ordered from most to least headroom.
func (a *Advisor) Rank(req PlacementRequest) ([]Candidate, error) {
	if req.Memory < 0 || req.Disk < 0 {
		return nil, fmt.Errorf("memory=%d disk=%d: %w", req.Memory, req.Disk, ErrInvalidRequest)
	}
	nodes := a.filterNodes(req, a.ledger.Nodes())
	candidates := a.scoreNodes(req, nodes)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Unsized != candidates[j].Unsized {
			return !candidates[i].Unsized
		}
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score < candidates[j].Score
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})
	return candidates, nil
}

// Recommend returns the node with the lowest post-placement utilization, or
// false when no node can take the request.
func (a *Advisor) Recommend(memory, disk int64, locationID *int) (string, bool) {
	candidates, err := a.Rank(PlacementRequest{Memory: memory, Disk: disk, LocationID: locationID})
	if err != nil || len(candidates) == 0 {
		return "", false
	}
	return candidates[0].NodeID, true
}

// Validate is a dry-run reservation against a specific node.
func (a *Advisor) Validate(nodeID string, memory, disk int64) error {
	return a.ledger.Check(nodeID, memory, disk)
}

func (a *Advisor) filterNodes(req PlacementRequest, nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if a.checkNode(req, node) {
			out = append(out, node)
		}
	}
	return out
}

func (a *Advisor) checkNode(req PlacementRequest, node Node) bool {
	if req.LocationID != nil && node.LocationID != *req.LocationID {
		return false
	}
	if node.InMaintenance() {
		return false
	}
	if a.health != nil && !a.health.Healthy(node) {
		a.logger.Debug("node filtered: unhealthy", zap.String("node_id", node.ID))
		return false
	}
	if err := a.ledger.Check(node.ID, req.Memory, req.Disk); err != nil {
		var capErr *CapacityError
		if errors.As(err, &capErr) {
			a.logger.Debug("node filtered: insufficient capacity",
				zap.String("node_id", node.ID),
				zap.String("resource", string(capErr.Resource)),
				zap.Int64("available", capErr.Available),
				zap.Int64("requested", capErr.Requested))
		}
		return false
	}
	return true
}

func (a *Advisor) scoreNodes(req PlacementRequest, nodes []Node) []Candidate {
	out := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		committed, ok := a.ledger.UtilizationFor(node.ID)
		if !ok {
			continue
		}
		memRatio, memSized := postPlacementRatio(node, ResourceMemory, committed.Memory, req.Memory)
		diskRatio, diskSized := postPlacementRatio(node, ResourceDisk, committed.Disk, req.Disk)
		score := math.Max(memRatio, diskRatio)
		out = append(out, Candidate{
			NodeID:      node.ID,
			Name:        node.Name,
			LocationID:  node.LocationID,
			MemoryRatio: memRatio,
			DiskRatio:   diskRatio,
			Score:       score,
			Unsized:     !memSized || !diskSized,
		})
	}
	return out
}

// postPlacementRatio measures against the overallocated limit. Unlimited
// resources fall back to the declared size. It reports false when the resource
// has no size but the node would hold some of it after placement.
func postPlacementRatio(node Node, res Resource, committed, requested int64) (float64, bool) {
	limit, enforced := node.Limit(res)
	if !enforced {
		if res == ResourceMemory {
			limit = node.Memory
		} else {
			limit = node.Disk
		}
	}
	after := float64(committed) + float64(requested)
	if limit <= 0 {
		return 0, after == 0
	}
	return after / float64(limit), true
}
