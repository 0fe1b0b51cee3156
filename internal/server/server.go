package server

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"fleetd/internal/config"
	"fleetd/internal/fleet"
	"fleetd/internal/logging"
	"fleetd/internal/metrics"
	"fleetd/internal/store"
)

// NodeRegistry is the durable node table. GetNode returns nil, nil when the
// node does not exist.
type NodeRegistry interface {
	ListNodes(ctx context.Context) ([]fleet.Node, error)
	GetNode(ctx context.Context, id string) (*fleet.Node, error)
	CreateNode(ctx context.Context, node fleet.Node) (*fleet.Node, error)
	UpdateNode(ctx context.Context, node fleet.Node) (*fleet.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Registry    NodeRegistry
	Ledger      *fleet.Ledger
	Probe       *fleet.Probe
	Scheduler   *fleet.Scheduler
	Advisor     *fleet.Advisor
	Metrics     *metrics.Metrics
	RateLimiter *store.RateLimiter
	Events      *store.EventLog
	Readiness   []ReadinessCheck
	Logger      *zap.Logger
}

type Server struct {
	Config      config.Config
	Registry    NodeRegistry
	Ledger      *fleet.Ledger
	Probe       *fleet.Probe
	Scheduler   *fleet.Scheduler
	Advisor     *fleet.Advisor
	Metrics     *metrics.Metrics
	RateLimiter *store.RateLimiter
	Events      *store.EventLog
	Readiness   []ReadinessCheck
	Logger      *zap.Logger

	trustedProxies []net.IPNet
}

func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Config:         cfg,
		Registry:       deps.Registry,
		Ledger:         deps.Ledger,
		Probe:          deps.Probe,
		Scheduler:      deps.Scheduler,
		Advisor:        deps.Advisor,
		Metrics:        deps.Metrics,
		RateLimiter:    deps.RateLimiter,
		Events:         deps.Events,
		Readiness:      deps.Readiness,
		Logger:         logger.Named("http"),
		trustedProxies: parseProxyCIDRs(cfg.TrustedProxies),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	formatter := &middleware.DefaultLogFormatter{
		Logger:  logging.StdLogger(s.Logger),
		NoColor: true,
	}
	r.Use(middleware.RequestLogger(formatter))
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders)

	r.With(s.requireRoles(accessRoles(http.MethodGet, "/healthz"))).Get("/healthz", s.handleLiveness)
	r.With(s.requireRoles(accessRoles(http.MethodGet, "/readyz"))).Get("/readyz", s.handleReadiness)
	r.With(s.requireRoles(accessRoles(http.MethodGet, "/metrics"))).Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	r.With(s.requireRoles(accessRoles(http.MethodGet, "/api/status")), s.rateLimit("status")).Get("/api/status", s.handleStatus)

	r.With(s.requireRoles(accessRoles(http.MethodGet, "/api/admin/fleet/summary"))).Get("/api/admin/fleet/summary", s.handleFleetSummary)
	r.With(s.requireRoles(accessRoles(http.MethodGet, "/api/admin/fleet/events"))).Get("/api/admin/fleet/events", s.handleFleetEvents)

	r.With(s.requireRoles(accessRoles(http.MethodGet, "/api/admin/nodes"))).Get("/api/admin/nodes", s.handleListNodes)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/admin/nodes"))).Post("/api/admin/nodes", s.handleCreateNode)
	r.With(s.requireRoles(accessRoles(http.MethodGet, "/api/admin/nodes/{nodeId}"))).Get("/api/admin/nodes/{nodeId}", s.handleGetNode)
	r.With(s.requireRoles(accessRoles(http.MethodPut, "/api/admin/nodes/{nodeId}"))).Put("/api/admin/nodes/{nodeId}", s.handleUpdateNode)
	r.With(s.requireRoles(accessRoles(http.MethodDelete, "/api/admin/nodes/{nodeId}"))).Delete("/api/admin/nodes/{nodeId}", s.handleDeleteNode)
	r.With(s.requireRoles(accessRoles(http.MethodGet, "/api/admin/nodes/{nodeId}/resources"))).Get("/api/admin/nodes/{nodeId}/resources", s.handleNodeResources)

	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/admin/placement/recommend"))).Post("/api/admin/placement/recommend", s.handleRecommend)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/admin/placement/validate"))).Post("/api/admin/placement/validate", s.handleValidate)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/admin/allocations"))).Post("/api/admin/allocations", s.handleCreateAllocation)
	r.With(s.requireRoles(accessRoles(http.MethodDelete, "/api/admin/allocations/{allocationId}"))).Delete("/api/admin/allocations/{allocationId}", s.handleReleaseAllocation)

	return r
}
