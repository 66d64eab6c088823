// Package api exposes the HTTP surface: agent queries, memory search,
// event ingestion, queue introspection, and health probes.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/engram-dev/engram/pkg/adapters"
	"github.com/engram-dev/engram/pkg/agent"
	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/database"
	"github.com/engram-dev/engram/pkg/ingest"
	"github.com/engram-dev/engram/pkg/queue"
	"github.com/engram-dev/engram/pkg/retrieval"
	"github.com/engram-dev/engram/pkg/vectorstore"
)

// Server is the HTTP API server.
type Server struct {
	cfg config.ServerConfig

	dbClient         *database.Client
	agentService     *agent.Service
	retrievalService *retrieval.Service
	chunkStore       *vectorstore.Store
	ingestService    *ingest.Service
	queueClient      *queue.Client

	// Optional, injected after construction.
	adapterRuntime *adapters.Runtime
	workerPools    []*queue.WorkerPool

	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the API server and wires its routes.
func NewServer(
	cfg config.ServerConfig,
	dbClient *database.Client,
	agentService *agent.Service,
	retrievalService *retrieval.Service,
	chunkStore *vectorstore.Store,
	ingestService *ingest.Service,
	queueClient *queue.Client,
) *Server {
	s := &Server{
		cfg:              cfg,
		dbClient:         dbClient,
		agentService:     agentService,
		retrievalService: retrievalService,
		chunkStore:       chunkStore,
		ingestService:    ingestService,
		queueClient:      queueClient,
	}
	s.engine = s.routes()
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// SetAdapterRuntime wires the source adapter runtime so readiness can report
// per-adapter connection state.
func (s *Server) SetAdapterRuntime(rt *adapters.Runtime) {
	s.adapterRuntime = rt
}

// SetWorkerPools wires the queue worker pools so health checks can report
// worker and reaper state.
func (s *Server) SetWorkerPools(pools ...*queue.WorkerPool) {
	s.workerPools = pools
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.healthHandler)
	r.GET("/health/live", s.livenessHandler)
	r.GET("/health/ready", s.readinessHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/agent/query", s.agentQueryHandler)
		v1.POST("/memory/search", s.memorySearchHandler)
		v1.GET("/memory/stats", s.memoryStatsHandler)
		v1.GET("/memory/recent", s.memoryRecentHandler)
		v1.POST("/events/ingest", s.ingestEventHandler)
		v1.GET("/queues/stats", s.queueStatsHandler)
	}

	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	slog.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-bound listener. Tests use this to get an
// OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	slog.Info("HTTP server listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
