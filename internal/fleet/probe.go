package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetd/internal/metrics"
)

const (
	DefaultProbeTimeout  = 5 * time.Second
	DefaultProbeInterval = 30 * time.Second
)

var errCycleBudgetExceeded = errors.New("probe abandoned: cycle budget exceeded")

// Reading is what a node agent reports about itself.
type Reading struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryTotal int64   `json:"memory_total"`
	DiskUsed    int64   `json:"disk_used"`
	DiskTotal   int64   `json:"disk_total"`
}

// Agent fetches live utilization from a node.
type Agent interface {
	Utilization(ctx context.Context, node Node) (Reading, error)
}

// UtilizationMirror receives every completed cycle, e.g. to share it with
// other panel processes, and seeds the cache after a restart.
type UtilizationMirror interface {
	PutUtilization(ctx context.Context, items []NodeUtilization) error
	GetUtilization(ctx context.Context, nodeID string) (NodeUtilization, bool, error)
	ForgetUtilization(ctx context.Context, nodeID string) error
}

// NodeUtilization is the result of the most recent probe of a node.
type NodeUtilization struct {
	NodeID      string    `json:"node_id"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  int64     `json:"memory_used"`
	MemoryTotal int64     `json:"memory_total"`
	DiskUsed    int64     `json:"disk_used"`
	DiskTotal   int64     `json:"disk_total"`
	Timestamp   time.Time `json:"timestamp"`
	Reachable   bool      `json:"reachable"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type ProbeConfig struct {
	Timeout     time.Duration
	CycleBudget time.Duration
	Concurrency int
}

// Probe polls node agents and keeps the latest result per node in memory.
type Probe struct {
	agent       Agent
	timeout     time.Duration
	budget      time.Duration
	concurrency int

	mirror  UtilizationMirror
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	latest   map[string]NodeUtilization
	failures map[string]int
}

type ProbeOption func(*Probe)

func WithMirror(m UtilizationMirror) ProbeOption {
	return func(p *Probe) { p.mirror = m }
}

func WithProbeMetrics(m *metrics.Metrics) ProbeOption {
	return func(p *Probe) { p.metrics = m }
}

func WithProbeClock(now func() time.Time) ProbeOption {
	return func(p *Probe) { p.now = now }
}

func NewProbe(agent Agent, cfg ProbeConfig, logger *zap.Logger, opts ...ProbeOption) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 2 * DefaultProbeInterval
	}
	p := &Probe{
		agent:       agent,
		timeout:     cfg.Timeout,
		budget:      cfg.CycleBudget,
		concurrency: cfg.Concurrency,
		logger:      logger.Named("probe"),
		now:         time.Now,
		latest:      make(map[string]NodeUtilization),
		failures:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe contacts a single node and records the outcome.
func (p *Probe) Probe(ctx context.Context, node Node) NodeUtilization {
	u := p.fetch(ctx, node)
	p.record(u)
	return u
}

func (p *Probe) fetch(ctx context.Context, node Node) NodeUtilization {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	reading, err := p.agent.Utilization(ctx, node)
	if err == nil {
		err = validateReading(reading)
	}
	p.metrics.ObserveProbe(node.ID, time.Since(start), err)

	u := NodeUtilization{NodeID: node.ID, Timestamp: p.now()}
	if err != nil {
		u.Error = err.Error()
		p.logger.Debug("node probe failed", zap.String("node_id", node.ID), zap.String("fqdn", node.FQDN), zap.Error(err))
		return u
	}

	u.Reachable = true
	u.LastSuccess = u.Timestamp
	u.CPUPercent = reading.CPUPercent
	u.MemoryUsed = reading.MemoryUsed
	u.MemoryTotal = reading.MemoryTotal
	u.DiskUsed = reading.DiskUsed
	u.DiskTotal = reading.DiskTotal
	return u
}

func validateReading(r Reading) error {
	if r.CPUPercent < 0 || r.MemoryUsed < 0 || r.MemoryTotal < 0 || r.DiskUsed < 0 || r.DiskTotal < 0 {
		return fmt.Errorf("agent reported negative utilization: %+v", r)
	}
	return nil
}

func (p *Probe) record(u NodeUtilization) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.Reachable {
		p.failures[u.NodeID] = 0
	} else {
		p.failures[u.NodeID]++
		if prev, ok := p.latest[u.NodeID]; ok {
			u.LastSuccess = prev.LastSuccess
		}
	}
	p.latest[u.NodeID] = u
}

// RunCycle probes every non-maintenance node in parallel. Nodes that have not
// answered when the cycle budget runs out are recorded as unreachable and
// their probes are abandoned.
func (p *Probe) RunCycle(ctx context.Context, nodes []Node) []NodeUtilization {
	start := time.Now()
	targets := make([]Node, 0, len(nodes))
	keep := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.InMaintenance() {
			continue
		}
		targets = append(targets, n)
		keep[n.ID] = struct{}{}
	}
	p.retain(keep)

	cycleCtx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	out := make(chan NodeUtilization, len(targets))
	go func() {
		var g errgroup.Group
		if p.concurrency > 0 {
			g.SetLimit(p.concurrency)
		}
		for _, node := range targets {
			node := node
			g.Go(func() error {
				out <- p.fetch(cycleCtx, node)
				return nil
			})
		}
		_ = g.Wait()
		close(out)
	}()

	collected := make(map[string]NodeUtilization, len(targets))
	p.collect(cycleCtx, out, collected)

	results := make([]NodeUtilization, 0, len(targets))
	abandoned := 0
	for _, node := range targets {
		u, ok := collected[node.ID]
		if !ok {
			abandoned++
			u = NodeUtilization{NodeID: node.ID, Timestamp: p.now(), Error: errCycleBudgetExceeded.Error()}
			p.metrics.ObserveProbe(node.ID, time.Since(start), errCycleBudgetExceeded)
		}
		p.record(u)
		results = append(results, u)
	}

	if abandoned > 0 {
		p.logger.Warn("probe cycle budget exceeded", zap.Int("abandoned", abandoned), zap.Duration("budget", p.budget))
	}
	p.metrics.ObserveCycle(time.Since(start), abandoned)

	if p.mirror != nil && len(results) > 0 {
		mirrorCtx, cancelMirror := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		if err := p.mirror.PutUtilization(mirrorCtx, results); err != nil {
			p.logger.Warn("utilization mirror update failed", zap.Error(err))
		}
		cancelMirror()
	}

	return results
}

func (p *Probe) collect(ctx context.Context, out <-chan NodeUtilization, dst map[string]NodeUtilization) {
	for {
		select {
		case u, ok := <-out:
			if !ok {
				return
			}
			dst[u.NodeID] = u
		case <-ctx.Done():
			// Take whatever finished together with the deadline.
			for {
				select {
				case u, ok := <-out:
					if !ok {
						return
					}
					dst[u.NodeID] = u
				default:
					return
				}
			}
		}
	}
}

// retain drops cache entries for nodes that are no longer probed.
func (p *Probe) retain(keep map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.latest {
		if _, ok := keep[id]; !ok {
			delete(p.latest, id)
			delete(p.failures, id)
		}
	}
}

// Warm loads mirrored results for nodes that have no local entry yet. Stale
// entries are harmless: the aggregator applies its own freshness window.
func (p *Probe) Warm(ctx context.Context, nodes []Node) int {
	if p.mirror == nil {
		return 0
	}
	loaded := 0
	for _, node := range nodes {
		if _, ok := p.Latest(node.ID); ok {
			continue
		}
		u, ok, err := p.mirror.GetUtilization(ctx, node.ID)
		if err != nil {
			p.logger.Warn("utilization mirror read failed", zap.String("node_id", node.ID), zap.Error(err))
			return loaded
		}
		if !ok || u.NodeID != node.ID {
			continue
		}
		p.mu.Lock()
		if _, exists := p.latest[node.ID]; !exists {
			p.latest[node.ID] = u
			loaded++
		}
		p.mu.Unlock()
	}
	return loaded
}

// Forget drops a node from the local cache and the mirror.
func (p *Probe) Forget(ctx context.Context, nodeID string) {
	p.mu.Lock()
	delete(p.latest, nodeID)
	delete(p.failures, nodeID)
	p.mu.Unlock()

	if p.mirror != nil {
		if err := p.mirror.ForgetUtilization(ctx, nodeID); err != nil {
			p.logger.Warn("utilization mirror delete failed", zap.String("node_id", nodeID), zap.Error(err))
		}
	}
}

func (p *Probe) Latest(nodeID string) (NodeUtilization, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.latest[nodeID]
	return u, ok
}

// Failures is the number of consecutive failed probes for a node.
func (p *Probe) Failures(nodeID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures[nodeID]
}

func (p *Probe) Snapshot() []NodeUtilization {
	p.mu.RLock()
	out := make([]NodeUtilization, 0, len(p.latest))
	for _, u := range p.latest {
		out = append(out, u)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
