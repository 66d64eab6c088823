// Package e2e provides end-to-end test infrastructure for the engram
// pipeline: a full instance with real Postgres, miniredis-backed queues,
// running worker pools, and a scripted LLM provider behind a live HTTP
// server.
package e2e

import (
	"context"
	"database/sql"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/agent"
	"github.com/engram-dev/engram/pkg/agent/prompt"
	"github.com/engram-dev/engram/pkg/agent/tools"
	"github.com/engram-dev/engram/pkg/api"
	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/eventlog"
	"github.com/engram-dev/engram/pkg/ingest"
	"github.com/engram-dev/engram/pkg/llm"
	"github.com/engram-dev/engram/pkg/masking"
	"github.com/engram-dev/engram/pkg/pipeline"
	"github.com/engram-dev/engram/pkg/queue"
	"github.com/engram-dev/engram/pkg/retrieval"
	"github.com/engram-dev/engram/pkg/vectorstore"
	testutil "github.com/engram-dev/engram/test/util"
)

// e2eDims keeps test embeddings small; the store accepts any fixed D.
const e2eDims = 64

// TestApp boots a complete engram instance for e2e testing.
type TestApp struct {
	Fake      *llm.Fake
	DB        *sql.DB
	Events    *eventlog.Store
	Chunks    *vectorstore.Store
	Jobs      *queue.Client
	Ingest    *ingest.Service
	Retrieval *retrieval.Service
	Server    *api.Server

	// BaseURL is the live HTTP endpoint, e.g. "http://127.0.0.1:54321".
	BaseURL string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	fake         *llm.Fake
	retrievalCfg config.RetrievalConfig
	contextCfg   config.ContextConfig
	agentCfg     config.AgentConfig
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithFake sets a pre-scripted LLM provider.
func WithFake(f *llm.Fake) TestAppOption {
	return func(c *testAppConfig) { c.fake = f }
}

// WithRetrievalConfig overrides the retrieval tuning.
func WithRetrievalConfig(cfg config.RetrievalConfig) TestAppOption {
	return func(c *testAppConfig) { c.retrievalCfg = cfg }
}

// WithContextConfig overrides the prompt-assembly budget.
func WithContextConfig(cfg config.ContextConfig) TestAppOption {
	return func(c *testAppConfig) { c.contextCfg = cfg }
}

// WithAgentConfig overrides the agent loop bounds.
func WithAgentConfig(cfg config.AgentConfig) TestAppOption {
	return func(c *testAppConfig) { c.agentCfg = cfg }
}

// NewTestApp creates and starts a full engram test instance: migrated
// Postgres schema, queues on miniredis, one worker per queue, and the HTTP
// server on an OS-assigned port. Shutdown is registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		retrievalCfg: config.RetrievalConfig{
			TopK:             20,
			MinSimilarity:    0.5,
			SimilarityWeight: 0.7,
			ImportanceWeight: 0.3,
		},
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.fake == nil {
		tc.fake = llm.NewFake("fake", e2eDims)
	}

	ctx := context.Background()

	// Database and stores.
	client := testutil.SetupTestDatabase(t)
	events := eventlog.NewStore(client.DB())
	chunks := vectorstore.NewStore(client.DB(), e2eDims)

	// Queues on miniredis.
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	jobs := queue.NewClient(rdb, config.RetentionConfig{
		CompletedJobAge:   time.Hour,
		CompletedJobLimit: 1000,
		FailedJobAge:      time.Hour,
	})

	// Scripted provider behind the real manager.
	mgr, err := llm.NewManager(ctx,
		config.LLMConfig{Default: tc.fake.Name()},
		config.EmbeddingConfig{Provider: tc.fake.Name(), Model: "fake-embedder"})
	require.NoError(t, err)
	mgr.Register(tc.fake)

	// Domain services, wired exactly as in production.
	masker := masking.NewService(config.MaskingConfig{Enabled: true, PatternGroup: "secrets"})
	pipe := pipeline.NewPipeline(events, chunks, mgr, masker, config.EmbeddingConfig{
		Provider:   tc.fake.Name(),
		Model:      "fake-embedder",
		Dimensions: e2eDims,
	})
	retrievalSvc := retrieval.NewService(chunks, mgr, tc.retrievalCfg)
	builder := prompt.NewBuilder(retrievalSvc, tc.contextCfg)
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterMemoryTools(registry, retrievalSvc))
	agentSvc := agent.NewService(mgr, builder, registry, tc.agentCfg)
	ingestSvc := ingest.NewService(events, jobs)

	// One worker per queue. Single-goroutine pools keep scripted LLM turns
	// paired with jobs in enqueue order.
	workers := &config.WorkersConfig{
		Concurrency: map[string]int{
			config.QueueIngestion:  1,
			config.QueueProcessing: 1,
			config.QueueEmbedding:  1,
			config.QueueAgentTasks: 1,
		},
		PollInterval:            25 * time.Millisecond,
		PollIntervalJitter:      5 * time.Millisecond,
		JobTimeout:              30 * time.Second,
		HeartbeatInterval:       5 * time.Second,
		ReaperInterval:          time.Second,
		GracefulShutdownTimeout: 5 * time.Second,
	}
	handlers := map[string]queue.Handler{
		config.QueueIngestion:  ingestSvc.Handler(),
		config.QueueProcessing: pipe.Handler(),
		config.QueueEmbedding:  pipe.BatchHandler(),
		config.QueueAgentTasks: agentSvc.Handler(),
	}
	pools := make([]*queue.WorkerPool, 0, len(handlers))
	for _, name := range config.QueueNames() {
		pool := queue.NewWorkerPool(name, jobs, workers, handlers[name])
		require.NoError(t, pool.Start(ctx))
		pools = append(pools, pool)
	}

	// HTTP server on a random port.
	server := api.NewServer(
		config.ServerConfig{ReadTimeout: 30 * time.Second, WriteTimeout: 60 * time.Second},
		client, agentSvc, retrievalSvc, chunks, ingestSvc, jobs,
	)
	server.SetWorkerPools(pools...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	// Stop pools and the server before miniredis and the schema go away.
	t.Cleanup(func() {
		for _, pool := range pools {
			pool.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	return &TestApp{
		Fake:      tc.fake,
		DB:        client.DB(),
		Events:    events,
		Chunks:    chunks,
		Jobs:      jobs,
		Ingest:    ingestSvc,
		Retrieval: retrievalSvc,
		Server:    server,
		BaseURL:   "http://" + ln.Addr().String(),
		t:         t,
	}
}
