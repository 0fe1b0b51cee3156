package fleet

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/metrics"
)

// Registry is the durable list of nodes owned by the admin layer.
type Registry interface {
	ListNodes(ctx context.Context) ([]Node, error)
}

// Scheduler drives probe cycles and publishes the resulting summary. Cycles
// run back to back on a fixed interval and never overlap.
type Scheduler struct {
	registry   Registry
	ledger     *Ledger
	probe      *Probe
	aggregator *Aggregator
	interval   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics

	summary atomic.Pointer[Summary]
}

func NewScheduler(registry Registry, ledger *Ledger, probe *Probe, aggregator *Aggregator, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry:   registry,
		ledger:     ledger,
		probe:      probe,
		aggregator: aggregator,
		interval:   interval,
		logger:     logger.Named("scheduler"),
		metrics:    m,
	}
}

// Run performs a cycle immediately and then once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("fleet scheduler started", zap.Duration("interval", s.interval))
	defer s.logger.Info("fleet scheduler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("fleet cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce syncs the ledger with the registry, probes every node and publishes
// a fresh summary. When the registry cannot be read the previous node set is
// probed again.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var syncErr error
	nodes, err := s.registry.ListNodes(ctx)
	if err != nil {
		syncErr = fmt.Errorf("list nodes: %w", err)
		nodes = s.ledger.Nodes()
	} else {
		s.ledger.Sync(nodes)
	}

	s.probe.RunCycle(ctx, nodes)
	s.Refresh()
	return syncErr
}

// Refresh recomputes the published summary from the current caches without
// probing. Used after registry or ledger edits.
func (s *Scheduler) Refresh() Summary {
	sum := s.aggregator.Summarize()
	s.summary.Store(&sum)
	s.metrics.SetNodeHealth(sum.Global.HealthyNodes, sum.Global.UnhealthyNodes)
	return sum
}

// Summary returns the last published summary.
func (s *Scheduler) Summary() Summary {
	if sum := s.summary.Load(); sum != nil {
		return *sum
	}
	return s.Refresh()
}
