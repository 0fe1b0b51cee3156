package fleet

import (
	"math"
	"time"
)

const DefaultFreshness = 90 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// UtilizationSource exposes the probe cache to the aggregator.
type UtilizationSource interface {
	Latest(nodeID string) (NodeUtilization, bool)
}

// GlobalStats are fleet-wide totals. Memory and disk sums come from the agents'
// own reports and only include healthy nodes.
type GlobalStats struct {
	TotalNodes       int     `json:"total_nodes"`
	HealthyNodes     int     `json:"healthy_nodes"`
	UnhealthyNodes   int     `json:"unhealthy_nodes"`
	TotalMemory      int64   `json:"total_memory"`
	UsedMemory       int64   `json:"used_memory"`
	MemoryPercent    float64 `json:"memory_percent"`
	TotalDisk        int64   `json:"total_disk"`
	UsedDisk         int64   `json:"used_disk"`
	DiskPercent      float64 `json:"disk_percent"`
	AvgCPUPercent    float64 `json:"avg_cpu_percent"`
	TotalServers     int     `json:"total_servers"`
	MaintenanceNodes int     `json:"maintenance_nodes"`
}

type NodeSummary struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	FQDN            string           `json:"fqdn"`
	LocationID      int              `json:"location_id"`
	Status          string           `json:"status"`
	Maintenance     bool             `json:"maintenance"`
	ServerCount     int              `json:"server_count"`
	Utilization     *NodeUtilization `json:"utilization"`
	LastSuccess     *time.Time       `json:"last_success,omitempty"`
	MemoryCommitted int64            `json:"memory_committed"`
	DiskCommitted   int64            `json:"disk_committed"`
	MemoryAllocated float64          `json:"memory_allocated_percent"`
	DiskAllocated   float64          `json:"disk_allocated_percent"`
}

type Summary struct {
	Global      GlobalStats   `json:"global"`
	Nodes       []NodeSummary `json:"nodes"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Aggregator joins the probe cache with the ledger into dashboard records.
// It only reads, so it can be called from any goroutine.
type Aggregator struct {
	ledger    *Ledger
	source    UtilizationSource
	freshness time.Duration
	now       func() time.Time
}

type AggregatorOption func(*Aggregator)

func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(ledger *Ledger, source UtilizationSource, freshness time.Duration, opts ...AggregatorOption) *Aggregator {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	a := &Aggregator{
		ledger:    ledger,
		source:    source,
		freshness: freshness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Healthy reports whether the node answered a probe within the freshness window.
// Maintenance nodes are never healthy.
func (a *Aggregator) Healthy(node Node) bool {
	_, ok := a.fresh(node, a.now())
	return ok
}

func (a *Aggregator) fresh(node Node, now time.Time) (NodeUtilization, bool) {
	if node.InMaintenance() {
		return NodeUtilization{}, false
	}
	u, ok := a.source.Latest(node.ID)
	if !ok || !u.Reachable {
		return u, false
	}
	if now.Sub(u.Timestamp) > a.freshness {
		return u, false
	}
	return u, true
}

func (a *Aggregator) Summarize() Summary {
	now := a.now()
	nodes := a.ledger.Nodes()

	s := Summary{
		Nodes:       make([]NodeSummary, 0, len(nodes)),
		GeneratedAt: now.UTC(),
	}
	g := &s.Global
	g.TotalNodes = len(nodes)

	var cpuTotal float64
	for _, node := range nodes {
		committed, _ := a.ledger.UtilizationFor(node.ID)
		rec := NodeSummary{
			ID:              node.ID,
			Name:            node.Name,
			FQDN:            node.FQDN,
			LocationID:      node.LocationID,
			Status:          StatusUnhealthy,
			Maintenance:     node.InMaintenance(),
			ServerCount:     committed.Servers,
			MemoryCommitted: committed.Memory,
			DiskCommitted:   committed.Disk,
			MemoryAllocated: percent(committed.Memory, node.Memory),
			DiskAllocated:   percent(committed.Disk, node.Disk),
		}
		g.TotalServers += committed.Servers
		if rec.Maintenance {
			g.MaintenanceNodes++
		}

		u, healthy := a.fresh(node, now)
		if !u.LastSuccess.IsZero() {
			ls := u.LastSuccess
			rec.LastSuccess = &ls
		}
		if healthy {
			rec.Status = StatusHealthy
			rec.Utilization = &u
			g.HealthyNodes++
			g.TotalMemory += u.MemoryTotal
			g.UsedMemory += u.MemoryUsed
			g.TotalDisk += u.DiskTotal
			g.UsedDisk += u.DiskUsed
			cpuTotal += u.CPUPercent
		} else {
			g.UnhealthyNodes++
		}
		s.Nodes = append(s.Nodes, rec)
	}

	if g.HealthyNodes > 0 {
		g.AvgCPUPercent = round2(cpuTotal / float64(g.HealthyNodes))
	}
	g.MemoryPercent = percent(g.UsedMemory, g.TotalMemory)
	g.DiskPercent = percent(g.UsedDisk, g.TotalDisk)
	return s
}

// percent is used/total*100 rounded to two decimals; a zero total yields 0.
func percent(used, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return round2(float64(used) / float64(total) * 100)
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
