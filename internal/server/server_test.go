package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetd/internal/config"
	"fleetd/internal/fleet"
	"fleetd/internal/store"
)

type memRegistry struct {
	mu     sync.Mutex
	nodes  map[string]fleet.Node
	nextID int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{nodes: make(map[string]fleet.Node)}
}

func (m *memRegistry) ListNodes(context.Context) ([]fleet.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fleet.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRegistry) GetNode(_ context.Context, id string) (*fleet.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (m *memRegistry) CreateNode(_ context.Context, node fleet.Node) (*fleet.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	node.ID = fmt.Sprintf("node-%d", m.nextID)
	node.CreatedAt = time.Now().UTC()
	node.UpdatedAt = node.CreatedAt
	m.nodes[node.ID] = node
	return &node, nil
}

func (m *memRegistry) UpdateNode(_ context.Context, node fleet.Node) (*fleet.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.nodes[node.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if node.DaemonToken == "" {
		node.DaemonToken = existing.DaemonToken
	}
	node.CreatedAt = existing.CreatedAt
	node.UpdatedAt = time.Now().UTC()
	m.nodes[node.ID] = node
	return &node, nil
}

func (m *memRegistry) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *memRegistry) put(n fleet.Node) {
	m.mu.Lock()
	m.nodes[n.ID] = n
	m.mu.Unlock()
}

type stubAgent struct {
	mu       sync.Mutex
	readings map[string]fleet.Reading
}

func (a *stubAgent) Utilization(_ context.Context, node fleet.Node) (fleet.Reading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.readings[node.ID]
	if !ok {
		return fleet.Reading{}, errors.New("connection refused")
	}
	return r, nil
}

type testEnv struct {
	t         *testing.T
	server    *Server
	handler   http.Handler
	registry  *memRegistry
	agent     *stubAgent
	ledger    *fleet.Ledger
	scheduler *fleet.Scheduler
}

func newTestEnv(t *testing.T, cfg config.Config, opts ...func(*Deps)) *testEnv {
	t.Helper()
	reg := newMemRegistry()
	agent := &stubAgent{readings: make(map[string]fleet.Reading)}
	ledger := fleet.NewLedger(nil)
	probe := fleet.NewProbe(agent, fleet.ProbeConfig{Timeout: time.Second, CycleBudget: 2 * time.Second}, nil)
	aggregator := fleet.NewAggregator(ledger, probe, time.Minute)
	scheduler := fleet.NewScheduler(reg, ledger, probe, aggregator, time.Minute, nil, nil)

	deps := Deps{
		Registry:  reg,
		Ledger:    ledger,
		Probe:     probe,
		Scheduler: scheduler,
		Advisor:   fleet.NewAdvisor(ledger, aggregator, nil),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := NewServer(cfg, deps)
	return &testEnv{
		t:         t,
		server:    srv,
		handler:   srv.Router(),
		registry:  reg,
		agent:     agent,
		ledger:    ledger,
		scheduler: scheduler,
	}
}

// addNode registers a node and, when reading is non-nil, makes its agent answer.
func (e *testEnv) addNode(id string, memory, disk int64, reading *fleet.Reading) {
	e.registry.put(fleet.Node{
		ID:          id,
		Name:        "node " + id,
		FQDN:        id + ".example.com",
		Scheme:      fleet.SchemeHTTPS,
		DaemonPort:  8080,
		DaemonToken: "tok-" + id,
		Memory:      memory,
		Disk:        disk,
		LocationID:  1,
	})
	if reading != nil {
		e.agent.mu.Lock()
		e.agent.readings[id] = *reading
		e.agent.mu.Unlock()
	}
}

func (e *testEnv) cycle() {
	e.t.Helper()
	require.NoError(e.t, e.scheduler.RunOnce(context.Background()))
}

func (e *testEnv) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}
