package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	mu       sync.Mutex
	readings map[string]Reading
	errs     map[string]error
	delay    map[string]time.Duration
	calls    map[string]int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		readings: make(map[string]Reading),
		errs:     make(map[string]error),
		delay:    make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

func (a *fakeAgent) set(id string, r Reading) {
	a.mu.Lock()
	a.readings[id] = r
	delete(a.errs, id)
	a.mu.Unlock()
}

func (a *fakeAgent) fail(id string, err error) {
	a.mu.Lock()
	a.errs[id] = err
	a.mu.Unlock()
}

func (a *fakeAgent) Utilization(_ context.Context, node Node) (Reading, error) {
	a.mu.Lock()
	a.calls[node.ID]++
	d := a.delay[node.ID]
	r, err := a.readings[node.ID], a.errs[node.ID]
	a.mu.Unlock()
	if d > 0 {
		// Ignores ctx to simulate an agent that never honours cancellation.
		time.Sleep(d)
	}
	return r, err
}

func (a *fakeAgent) callCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

type recordingMirror struct {
	mu    sync.Mutex
	items []NodeUtilization
}

func (m *recordingMirror) PutUtilization(_ context.Context, items []NodeUtilization) error {
	m.mu.Lock()
	m.items = append([]NodeUtilization(nil), items...)
	m.mu.Unlock()
	return nil
}

func (m *recordingMirror) GetUtilization(_ context.Context, nodeID string) (NodeUtilization, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.items {
		if u.NodeID == nodeID {
			return u, true, nil
		}
	}
	return NodeUtilization{}, false, nil
}

func (m *recordingMirror) ForgetUtilization(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, u := range m.items {
		if u.NodeID != nodeID {
			kept = append(kept, u)
		}
	}
	m.items = kept
	return nil
}

func TestProbe_SuccessAndFailure(t *testing.T) {
	agent := newFakeAgent()
	agent.set("n1", Reading{CPUPercent: 12.5, MemoryUsed: 100, MemoryTotal: 200, DiskUsed: 10, DiskTotal: 40})
	p := NewProbe(agent, ProbeConfig{Timeout: time.Second}, nil)

	u := p.Probe(context.Background(), testNode("n1", 1, 1))
	assert.True(t, u.Reachable)
	assert.Equal(t, 12.5, u.CPUPercent)
	assert.False(t, u.LastSuccess.IsZero())
	assert.Equal(t, 0, p.Failures("n1"))
	success := u.LastSuccess

	agent.fail("n1", errors.New("connection refused"))
	u = p.Probe(context.Background(), testNode("n1", 1, 1))
	assert.False(t, u.Reachable)
	assert.Equal(t, "connection refused", u.Error)
	assert.Equal(t, 1, p.Failures("n1"))

	latest, ok := p.Latest("n1")
	require.True(t, ok)
	assert.Equal(t, success, latest.LastSuccess, "failure keeps the previous success time")

	p.Probe(context.Background(), testNode("n1", 1, 1))
	assert.Equal(t, 2, p.Failures("n1"))

	agent.set("n1", Reading{})
	p.Probe(context.Background(), testNode("n1", 1, 1))
	assert.Equal(t, 0, p.Failures("n1"))
}

func TestProbe_RejectsNegativeReading(t *testing.T) {
	agent := newFakeAgent()
	agent.set("n1", Reading{MemoryUsed: -5})
	p := NewProbe(agent, ProbeConfig{}, nil)

	u := p.Probe(context.Background(), testNode("n1", 1, 1))
	assert.False(t, u.Reachable)
	assert.Contains(t, u.Error, "negative")
}

func TestProbe_RunCycleSkipsMaintenance(t *testing.T) {
	agent := newFakeAgent()
	agent.set("a", Reading{CPUPercent: 1})
	agent.set("b", Reading{CPUPercent: 2})
	mirror := &recordingMirror{}
	p := NewProbe(agent, ProbeConfig{Timeout: time.Second, CycleBudget: 5 * time.Second}, nil, WithMirror(mirror))

	maint := testNode("b", 1, 1)
	maint.Flags = maint.Flags.With(FlagMaintenance, true)

	results := p.RunCycle(context.Background(), []Node{testNode("a", 1, 1), maint})
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].NodeID)
	assert.Equal(t, 0, agent.callCount("b"))

	_, ok := p.Latest("b")
	assert.False(t, ok)
	assert.Len(t, mirror.items, 1)
}

func TestProbe_RunCycleBudgetAbandonsSlowNodes(t *testing.T) {
	agent := newFakeAgent()
	agent.set("fast", Reading{CPUPercent: 5})
	agent.set("slow", Reading{CPUPercent: 5})
	agent.delay["slow"] = 500 * time.Millisecond

	p := NewProbe(agent, ProbeConfig{Timeout: 50 * time.Millisecond, CycleBudget: 50 * time.Millisecond}, nil)

	start := time.Now()
	results := p.RunCycle(context.Background(), []Node{testNode("fast", 1, 1), testNode("slow", 1, 1)})
	assert.Less(t, time.Since(start), 400*time.Millisecond, "cycle must not wait for the slow agent")

	require.Len(t, results, 2)
	fast, _ := p.Latest("fast")
	assert.True(t, fast.Reachable)

	slow, ok := p.Latest("slow")
	require.True(t, ok)
	assert.False(t, slow.Reachable)
	assert.Equal(t, errCycleBudgetExceeded.Error(), slow.Error)
	assert.Equal(t, 1, p.Failures("slow"))
}

func TestProbe_RunCycleDropsRemovedNodes(t *testing.T) {
	agent := newFakeAgent()
	agent.set("a", Reading{})
	agent.set("b", Reading{})
	p := NewProbe(agent, ProbeConfig{}, nil)

	p.RunCycle(context.Background(), []Node{testNode("a", 1, 1), testNode("b", 1, 1)})
	assert.Len(t, p.Snapshot(), 2)

	p.RunCycle(context.Background(), []Node{testNode("a", 1, 1)})
	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].NodeID)

	p.Forget(context.Background(), "a")
	assert.Empty(t, p.Snapshot())
}

func TestProbe_RunCycleRespectsConcurrency(t *testing.T) {
	agent := newFakeAgent()
	nodes := make([]Node, 0, 6)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		agent.set(id, Reading{CPUPercent: 1})
		nodes = append(nodes, testNode(id, 1, 1))
	}
	p := NewProbe(agent, ProbeConfig{Concurrency: 2}, nil)

	results := p.RunCycle(context.Background(), nodes)
	require.Len(t, results, 6)
	for _, u := range results {
		assert.True(t, u.Reachable, u.NodeID)
	}
}

func TestProbe_WarmFromMirror(t *testing.T) {
	ts := time.Now()
	mirror := &recordingMirror{items: []NodeUtilization{
		{NodeID: "a", Reachable: true, Timestamp: ts, LastSuccess: ts, CPUPercent: 7},
	}}
	p := NewProbe(newFakeAgent(), ProbeConfig{}, nil, WithMirror(mirror))

	n := p.Warm(context.Background(), []Node{testNode("a", 1, 1), testNode("b", 1, 1)})
	assert.Equal(t, 1, n)
	u, ok := p.Latest("a")
	require.True(t, ok)
	assert.Equal(t, 7.0, u.CPUPercent)

	p.Forget(context.Background(), "a")
	_, ok = p.Latest("a")
	assert.False(t, ok)
	assert.Empty(t, mirror.items)
}
