package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/config"
	"fleetd/internal/fleet"
	"fleetd/internal/store"
)

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, config.Config{}, func(d *Deps) {
		d.Readiness = []ReadinessCheck{
			{Name: "postgres", Check: func(context.Context) error { return nil }},
			{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
		}
	})

	rec := env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decodeBody(t, rec)["status"])

	rec = env.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not_ready", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["postgres"])
	assert.Contains(t, checks["redis"], "unhealthy")
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, config.Config{AdminToken: "admin-secret"})

	rec := env.do(http.MethodGet, "/api/admin/fleet/summary", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/admin/fleet/summary", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/admin/fleet/summary", nil, "Authorization", "Bearer admin-secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Public routes never need the token.
	rec = env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusPage(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, config.Config{})
		rec := env.do(http.MethodGet, "/api/status", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "Status page is disabled", decodeBody(t, rec)["message"])
	})

	t.Run("node status only", func(t *testing.T) {
		env := newTestEnv(t, config.Config{StatusPage: config.StatusPageConfig{
			Enabled:        true,
			ShowNodeStatus: true,
		}})
		env.addNode("a", 1000, 1000, &fleet.Reading{CPUPercent: 10, MemoryUsed: 1, MemoryTotal: 2})
		env.addNode("b", 1000, 1000, nil)
		env.cycle()

		rec := env.do(http.MethodGet, "/api/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["enabled"])
		data := body["data"].(map[string]interface{})
		global := data["global"].(map[string]interface{})
		assert.Equal(t, float64(2), global["total_nodes"])
		assert.Equal(t, float64(1), global["healthy_nodes"])
		assert.Equal(t, float64(1), global["unhealthy_nodes"])
		assert.NotContains(t, global, "total_memory")
		assert.NotContains(t, data, "nodes")
		assert.NotContains(t, data, "total_servers")
	})

	t.Run("everything", func(t *testing.T) {
		env := newTestEnv(t, config.Config{StatusPage: config.StatusPageConfig{
			Enabled:             true,
			ShowNodeStatus:      true,
			ShowLoadUsage:       true,
			ShowTotalServers:    true,
			ShowIndividualNodes: true,
		}})
		env.addNode("a", 1000, 1000, &fleet.Reading{CPUPercent: 10, MemoryUsed: 512, MemoryTotal: 1024})
		env.cycle()

		body := decodeBody(t, env.do(http.MethodGet, "/api/status", nil))
		data := body["data"].(map[string]interface{})
		global := data["global"].(map[string]interface{})
		assert.Equal(t, float64(1024), global["total_memory"])
		assert.Equal(t, float64(10), global["avg_cpu_percent"])
		assert.Equal(t, float64(0), data["total_servers"])
		nodes := data["nodes"].([]interface{})
		require.Len(t, nodes, 1)
		assert.Equal(t, fleet.StatusHealthy, nodes[0].(map[string]interface{})["status"])
	})
}

func TestStatusPageRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := newTestEnv(t, config.Config{StatusPage: config.StatusPageConfig{Enabled: true}}, func(d *Deps) {
		d.RateLimiter = &store.RateLimiter{Redis: rdb, Limit: 2, Window: time.Minute}
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/status", nil).Code)
	}
	rec := env.do(http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Redis outage fails open.
	mr.Close()
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/status", nil).Code)
}

func TestNodeCRUD(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodPost, "/api/admin/nodes", map[string]interface{}{
		"name":         "fra-1",
		"fqdn":         "fra-1.example.com",
		"daemon_token": "secret",
		"memory":       8192,
		"disk":         100000,
		"location_id":  1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	node := decodeBody(t, rec)["node"].(map[string]interface{})
	id := node["id"].(string)
	assert.Equal(t, "https", node["scheme"])
	assert.Equal(t, float64(8080), node["daemon_port"])
	assert.Equal(t, true, node["public"])
	assert.NotContains(t, node, "daemon_token")

	_, ok := env.ledger.Node(id)
	assert.True(t, ok, "created node is registered in the ledger")

	rec = env.do(http.MethodGet, "/api/admin/nodes/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPut, "/api/admin/nodes/"+id, map[string]interface{}{
		"name":             "fra-1",
		"fqdn":             "fra-1.example.com",
		"memory":           4096,
		"disk":             100000,
		"location_id":      1,
		"maintenance_mode": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ledgerNode, _ := env.ledger.Node(id)
	assert.Equal(t, int64(4096), ledgerNode.Memory)
	assert.True(t, ledgerNode.InMaintenance())
	assert.Equal(t, "secret", ledgerNode.DaemonToken, "token is kept when omitted")

	rec = env.do(http.MethodGet, "/api/admin/nodes", nil)
	nodes := decodeBody(t, rec)["nodes"].([]interface{})
	assert.Len(t, nodes, 1)

	rec = env.do(http.MethodDelete, "/api/admin/nodes/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = env.ledger.Node(id)
	assert.False(t, ok)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/admin/nodes/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/api/admin/nodes/"+id, nil).Code)
}

func TestNodeValidation(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodPost, "/api/admin/nodes", map[string]interface{}{"fqdn": "x.example.com", "location_id": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Missing required field: name", body["message"])

	rec = env.do(http.MethodPost, "/api/admin/nodes", map[string]interface{}{"name": "x", "fqdn": "x.example.com", "location_id": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing required field: daemon_token", decodeBody(t, rec)["message"])

	rec = env.do(http.MethodPost, "/api/admin/nodes", map[string]interface{}{"unknown_field": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPut, "/api/admin/nodes/missing", map[string]interface{}{"name": "x", "fqdn": "x.example.com", "location_id": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteNodeWithAllocations(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.addNode("a", 1000, 1000, &fleet.Reading{})
	env.cycle()

	rec := env.do(http.MethodPost, "/api/admin/allocations", map[string]interface{}{"server_id": "srv-1", "node_id": "a", "memory": 100, "disk": 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	allocID := decodeBody(t, rec)["allocation"].(map[string]interface{})["id"].(string)

	rec = env.do(http.MethodDelete, "/api/admin/nodes/a", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	_, ok := env.ledger.Node("a")
	assert.True(t, ok)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/admin/allocations/"+allocID, nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/admin/allocations/"+allocID, nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/admin/nodes/a", nil).Code)
}

func TestPlacementEndpoints(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.addNode("x", 10000, 10000, &fleet.Reading{})
	env.addNode("y", 10000, 10000, &fleet.Reading{})
	env.addNode("down", 10000, 10000, nil)
	env.cycle()

	_, err := env.ledger.Reserve(context.Background(), "x", "s1", 5000, 0)
	require.NoError(t, err)
	_, err = env.ledger.Reserve(context.Background(), "y", "s2", 3000, 0)
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/api/admin/placement/recommend", map[string]interface{}{"memory": 1000, "disk": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "y", body["node_id"])
	assert.Len(t, body["candidates"].([]interface{}), 2)

	rec = env.do(http.MethodPost, "/api/admin/placement/recommend", map[string]interface{}{"memory": 1000000})
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["found"])
	assert.Nil(t, body["node_id"])

	rec = env.do(http.MethodPost, "/api/admin/placement/recommend", map[string]interface{}{"memory": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.addNode("a", 8192, 10000, &fleet.Reading{})
	env.cycle()
	_, err := env.ledger.Reserve(context.Background(), "a", "s1", 4096, 0)
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/api/admin/placement/validate", map[string]interface{}{"node_id": "a", "memory": 4096})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["valid"])

	rec = env.do(http.MethodPost, "/api/admin/placement/validate", map[string]interface{}{"node_id": "a", "memory": 5000})
	require.Equal(t, http.StatusConflict, rec.Code)
	detail := decodeBody(t, rec)["error"].(map[string]interface{})
	assert.Equal(t, "memory", detail["resource"])
	assert.Equal(t, float64(4096), detail["available"])
	assert.Equal(t, float64(5000), detail["requested"])

	rec = env.do(http.MethodPost, "/api/admin/placement/validate", map[string]interface{}{"node_id": "ghost", "memory": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/api/admin/placement/validate", map[string]interface{}{"memory": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAllocationPicksBestNode(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.addNode("x", 10000, 10000, &fleet.Reading{})
	env.addNode("y", 10000, 10000, &fleet.Reading{})
	env.cycle()
	_, err := env.ledger.Reserve(context.Background(), "x", "s1", 5000, 0)
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/api/admin/allocations", map[string]interface{}{"server_id": "srv-2", "memory": 2000, "disk": 10})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	alloc := decodeBody(t, rec)["allocation"].(map[string]interface{})
	assert.Equal(t, "y", alloc["node_id"])

	rec = env.do(http.MethodPost, "/api/admin/allocations", map[string]interface{}{"server_id": "srv-3", "memory": 20000})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/admin/allocations", map[string]interface{}{"server_id": "srv-4", "node_id": "x", "memory": 6000})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/admin/allocations", map[string]interface{}{"memory": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	summary := env.scheduler.Summary()
	assert.Equal(t, 2, summary.Global.TotalServers)
}

func TestNodeResources(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	env.addNode("a", 1000, 2000, &fleet.Reading{CPUPercent: 3})
	env.cycle()
	_, err := env.ledger.Reserve(context.Background(), "a", "s1", 400, 500)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/admin/nodes/a/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	mem := body["memory"].(map[string]interface{})
	assert.Equal(t, float64(1000), mem["limit"])
	assert.Equal(t, float64(400), mem["committed"])
	assert.Equal(t, float64(600), mem["available"])
	assert.Equal(t, float64(1), body["servers"])
	assert.Equal(t, true, body["healthy"])
	assert.Len(t, body["allocations"].([]interface{}), 1)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/admin/nodes/ghost/resources", nil).Code)
}

func TestClientIP(t *testing.T) {
	trusted := parseProxyCIDRs([]string{"10.0.0.0/8", "192.168.1.1", "garbage"})
	require.Len(t, trusted, 2)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.1.2.3")
	assert.Equal(t, "203.0.113.7", clientIP(req, trusted))

	req.RemoteAddr = "198.51.100.1:5555"
	assert.Equal(t, "198.51.100.1", clientIP(req, trusted), "untrusted peers cannot spoof")
}

func TestAccessRolesCoverRoutes(t *testing.T) {
	for _, rule := range endpointAccess {
		assert.NotEmpty(t, rule.Roles, rule.Path)
	}
	assert.Panics(t, func() { accessRoles(http.MethodGet, "/nope") })
}

func TestFleetEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := newTestEnv(t, config.Config{}, func(d *Deps) {
		d.Events = &store.EventLog{Redis: rdb}
	})
	env.addNode("a", 1000, 1000, &fleet.Reading{})
	env.cycle()

	rec := env.do(http.MethodPost, "/api/admin/allocations", map[string]interface{}{"server_id": "srv-1", "node_id": "a", "memory": 100})
	require.Equal(t, http.StatusCreated, rec.Code)
	allocID := decodeBody(t, rec)["allocation"].(map[string]interface{})["id"].(string)
	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/admin/allocations/"+allocID, nil).Code)
	// A repeated release does not add another event.
	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/api/admin/allocations/"+allocID, nil).Code)

	rec = env.do(http.MethodGet, "/api/admin/fleet/events?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]interface{})
	require.Len(t, events, 2)
	assert.Equal(t, "allocation.released", events[0].(map[string]interface{})["type"])
	assert.Equal(t, "allocation.committed", events[1].(map[string]interface{})["type"])

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/admin/fleet/events?limit=abc", nil).Code)
}
