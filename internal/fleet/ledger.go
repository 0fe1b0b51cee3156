package fleet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetd/internal/metrics"
)

// ServerAllocation is the capacity a placed server holds on its node.
type ServerAllocation struct {
	ID             string    `json:"id"`
	ServerID       string    `json:"server_id"`
	NodeID         string    `json:"node_id"`
	MemoryReserved int64     `json:"memory_reserved"`
	DiskReserved   int64     `json:"disk_reserved"`
	CreatedAt      time.Time `json:"created_at"`
}

// Committed is the sum of active reservations on a node.
type Committed struct {
	Memory  int64 `json:"memory_committed"`
	Disk    int64 `json:"disk_committed"`
	Servers int   `json:"servers"`
}

// AllocationStore persists reservations. Writes happen while the node is
// locked, so the durable rows always match the ledger.
type AllocationStore interface {
	InsertAllocation(ctx context.Context, alloc ServerAllocation) error
	DeleteAllocation(ctx context.Context, id string) (bool, error)
}

type nodeAccount struct {
	mu          sync.Mutex
	node        atomic.Pointer[Node]
	allocations map[string]ServerAllocation
	removed     bool

	memory  atomic.Int64
	disk    atomic.Int64
	servers atomic.Int64
}

func (a *nodeAccount) committed() Committed {
	return Committed{
		Memory:  a.memory.Load(),
		Disk:    a.disk.Load(),
		Servers: int(a.servers.Load()),
	}
}

// Ledger is the authority for declared capacity and committed reservations.
// Each node owns its own lock; the node table is copy-on-write so readers
// never block.
type Ledger struct {
	writeMu sync.Mutex
	nodes   atomic.Pointer[map[string]*nodeAccount]
	index   sync.Map // allocation id -> node id

	store   AllocationStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type LedgerOption func(*Ledger)

func WithAllocationStore(store AllocationStore) LedgerOption {
	return func(l *Ledger) { l.store = store }
}

func WithLedgerMetrics(m *metrics.Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

func NewLedger(logger *zap.Logger, opts ...LedgerOption) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		logger: logger.Named("ledger"),
		now:    time.Now,
	}
	empty := make(map[string]*nodeAccount)
	l.nodes.Store(&empty)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) account(nodeID string) *nodeAccount {
	return (*l.nodes.Load())[nodeID]
}

// SetNode registers a node or replaces its declared capacity. Lowering
// capacity below what is already committed is allowed; later reservations
// simply fail until enough is released.
func (l *Ledger) SetNode(node Node) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	n := node
	current := *l.nodes.Load()
	if acct, ok := current[node.ID]; ok {
		acct.mu.Lock()
		acct.node.Store(&n)
		acct.mu.Unlock()
		return
	}

	acct := &nodeAccount{allocations: make(map[string]ServerAllocation)}
	acct.node.Store(&n)

	next := make(map[string]*nodeAccount, len(current)+1)
	for id, a := range current {
		next[id] = a
	}
	next[node.ID] = acct
	l.nodes.Store(&next)
}

// RemoveNode drops a node that no longer holds any reservation.
func (l *Ledger) RemoveNode(nodeID string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	current := *l.nodes.Load()
	acct, ok := current[nodeID]
	if !ok {
		return nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	if len(acct.allocations) > 0 {
		return fmt.Errorf("remove node %s: %w", nodeID, ErrNodeInUse)
	}
	acct.removed = true

	next := make(map[string]*nodeAccount, len(current))
	for id, a := range current {
		if id != nodeID {
			next[id] = a
		}
	}
	l.nodes.Store(&next)
	l.metrics.ForgetNode(nodeID)
	return nil
}

// Sync aligns the ledger with the registry. Nodes missing from the registry
// are dropped unless they still hold reservations.
func (l *Ledger) Sync(nodes []Node) {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		seen[n.ID] = struct{}{}
		l.SetNode(n)
	}
	for id := range *l.nodes.Load() {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := l.RemoveNode(id); err != nil {
			l.logger.Warn("node missing from registry still holds allocations", zap.String("node_id", id), zap.Error(err))
		}
	}
}

// Node returns the declared node as last synced.
func (l *Ledger) Node(nodeID string) (Node, bool) {
	acct := l.account(nodeID)
	if acct == nil {
		return Node{}, false
	}
	return *acct.node.Load(), true
}

// Nodes returns all known nodes ordered by id.
func (l *Ledger) Nodes() []Node {
	current := *l.nodes.Load()
	out := make([]Node, 0, len(current))
	for _, acct := range current {
		out = append(out, *acct.node.Load())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reserve commits memory and disk for a server on a node if both fit under
// the overallocated limits.
func (l *Ledger) Reserve(ctx context.Context, nodeID, serverID string, memory, disk int64) (ServerAllocation, error) {
	if memory < 0 || disk < 0 {
		return ServerAllocation{}, fmt.Errorf("memory=%d disk=%d: %w", memory, disk, ErrInvalidRequest)
	}
	acct := l.account(nodeID)
	if acct == nil {
		l.metrics.ObserveReservation("unknown_node")
		return ServerAllocation{}, fmt.Errorf("reserve on %s: %w", nodeID, ErrUnknownNode)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.removed {
		l.metrics.ObserveReservation("unknown_node")
		return ServerAllocation{}, fmt.Errorf("reserve on %s: %w", nodeID, ErrUnknownNode)
	}
	if err := l.checkLocked(acct, memory, disk); err != nil {
		l.metrics.ObserveReservation("rejected")
		return ServerAllocation{}, err
	}

	alloc := ServerAllocation{
		ID:             uuid.NewString(),
		ServerID:       serverID,
		NodeID:         nodeID,
		MemoryReserved: memory,
		DiskReserved:   disk,
		CreatedAt:      l.now().UTC(),
	}

	if l.store != nil {
		if err := l.store.InsertAllocation(ctx, alloc); err != nil {
			l.metrics.ObserveReservation("store_error")
			return ServerAllocation{}, fmt.Errorf("persist allocation: %w", err)
		}
	}

	l.commitLocked(acct, alloc)
	l.metrics.ObserveReservation("committed")
	l.logger.Info("allocation committed",
		zap.String("allocation_id", alloc.ID),
		zap.String("node_id", nodeID),
		zap.String("server_id", serverID),
		zap.Int64("memory", memory),
		zap.Int64("disk", disk))
	return alloc, nil
}

// Check runs the reservation test without committing anything.
func (l *Ledger) Check(nodeID string, memory, disk int64) error {
	if memory < 0 || disk < 0 {
		return fmt.Errorf("memory=%d disk=%d: %w", memory, disk, ErrInvalidRequest)
	}
	acct := l.account(nodeID)
	if acct == nil {
		return fmt.Errorf("check %s: %w", nodeID, ErrUnknownNode)
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.removed {
		return fmt.Errorf("check %s: %w", nodeID, ErrUnknownNode)
	}
	return l.checkLocked(acct, memory, disk)
}

func (l *Ledger) checkLocked(acct *nodeAccount, memory, disk int64) error {
	node := acct.node.Load()
	if err := fits(node, ResourceMemory, acct.memory.Load(), memory); err != nil {
		return err
	}
	return fits(node, ResourceDisk, acct.disk.Load(), disk)
}

func fits(node *Node, res Resource, committed, requested int64) error {
	limit, enforced := node.Limit(res)
	if !enforced {
		limit = math.MaxInt64
	}
	// committed and limit are both non-negative, so the subtraction cannot wrap.
	available := limit - committed
	if requested <= available {
		return nil
	}
	if available < 0 {
		available = 0
	}
	return &CapacityError{
		NodeID:    node.ID,
		Resource:  res,
		Available: available,
		Requested: requested,
	}
}

func (l *Ledger) commitLocked(acct *nodeAccount, alloc ServerAllocation) {
	acct.allocations[alloc.ID] = alloc
	mem := acct.memory.Add(alloc.MemoryReserved)
	disk := acct.disk.Add(alloc.DiskReserved)
	acct.servers.Add(1)
	l.index.Store(alloc.ID, alloc.NodeID)
	l.metrics.SetCommitted(alloc.NodeID, mem, disk)
}

// Release drops a reservation. Releasing an unknown or already released
// allocation is a no-op.
func (l *Ledger) Release(ctx context.Context, allocationID string) error {
	v, ok := l.index.Load(allocationID)
	if !ok {
		return nil
	}
	acct := l.account(v.(string))
	if acct == nil {
		l.index.Delete(allocationID)
		return nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	alloc, ok := acct.allocations[allocationID]
	if !ok {
		return nil
	}

	if l.store != nil {
		if _, err := l.store.DeleteAllocation(ctx, allocationID); err != nil {
			return fmt.Errorf("delete allocation: %w", err)
		}
	}

	delete(acct.allocations, allocationID)
	l.index.Delete(allocationID)
	mem := acct.memory.Add(-alloc.MemoryReserved)
	disk := acct.disk.Add(-alloc.DiskReserved)
	servers := acct.servers.Add(-1)
	if mem < 0 || disk < 0 || servers < 0 {
		l.logger.Error("ledger corrupted: negative committed totals",
			zap.String("node_id", alloc.NodeID),
			zap.String("allocation_id", allocationID),
			zap.Int64("memory", mem),
			zap.Int64("disk", disk),
			zap.Int64("servers", servers))
		panic(fmt.Sprintf("fleet ledger corrupted on node %s: memory=%d disk=%d servers=%d", alloc.NodeID, mem, disk, servers))
	}

	l.metrics.ObserveRelease()
	l.metrics.SetCommitted(alloc.NodeID, mem, disk)
	l.logger.Info("allocation released",
		zap.String("allocation_id", allocationID),
		zap.String("node_id", alloc.NodeID),
		zap.String("server_id", alloc.ServerID))
	return nil
}

// Restore replays persisted allocations at startup. Limits are not checked:
// the durable rows are what the fleet has already promised.
func (l *Ledger) Restore(allocs []ServerAllocation) error {
	var errs []error
	for _, alloc := range allocs {
		acct := l.account(alloc.NodeID)
		if acct == nil {
			errs = append(errs, fmt.Errorf("allocation %s: node %s: %w", alloc.ID, alloc.NodeID, ErrUnknownNode))
			continue
		}
		acct.mu.Lock()
		if _, dup := acct.allocations[alloc.ID]; !dup && !acct.removed {
			l.commitLocked(acct, alloc)
			if err := l.checkLocked(acct, 0, 0); err != nil {
				l.logger.Warn("restored allocations exceed node limit", zap.String("node_id", alloc.NodeID), zap.Error(err))
			}
		}
		acct.mu.Unlock()
	}
	return errors.Join(errs...)
}

// UtilizationFor reads committed totals without taking the node lock.
func (l *Ledger) UtilizationFor(nodeID string) (Committed, bool) {
	acct := l.account(nodeID)
	if acct == nil {
		return Committed{}, false
	}
	return acct.committed(), true
}

// Allocations lists active reservations on a node.
func (l *Ledger) Allocations(nodeID string) []ServerAllocation {
	acct := l.account(nodeID)
	if acct == nil {
		return nil
	}
	acct.mu.Lock()
	out := make([]ServerAllocation, 0, len(acct.allocations))
	for _, a := range acct.allocations {
		out = append(out, a)
	}
	acct.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Allocation looks up a single reservation by id.
func (l *Ledger) Allocation(allocationID string) (ServerAllocation, bool) {
	v, ok := l.index.Load(allocationID)
	if !ok {
		return ServerAllocation{}, false
	}
	acct := l.account(v.(string))
	if acct == nil {
		return ServerAllocation{}, false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	alloc, ok := acct.allocations[allocationID]
	return alloc, ok
}
