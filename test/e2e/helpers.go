package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/eventlog"
	"github.com/engram-dev/engram/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// IngestEvent posts one event and returns the parsed 202 response.
func (app *TestApp) IngestEvent(t *testing.T, source, eventType, externalID string, payload map[string]any) map[string]any {
	t.Helper()
	body := map[string]any{
		"source":    source,
		"eventType": eventType,
		"payload":   payload,
	}
	if externalID != "" {
		body["externalId"] = externalID
	}
	return app.postJSON(t, "/api/v1/events/ingest", body, http.StatusAccepted)
}

// AgentQuery posts an agent query and returns the parsed 200 response.
func (app *TestApp) AgentQuery(t *testing.T, query string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/api/v1/agent/query", map[string]any{"query": query}, http.StatusOK)
}

// SearchMemory posts a memory search and returns the parsed 200 response.
func (app *TestApp) SearchMemory(t *testing.T, query string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/api/v1/memory/search", map[string]any{"query": query}, http.StatusOK)
}

// MemoryStats calls GET /api/v1/memory/stats.
func (app *TestApp) MemoryStats(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/memory/stats", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status: %s", path, raw)
	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ────────────────────────────────────────────────────────────
// Polling helpers
// ────────────────────────────────────────────────────────────

// WaitForEventStatus polls the event log until the event reaches one of the
// expected statuses and returns the status it landed on.
func (app *TestApp) WaitForEventStatus(t *testing.T, eventID string, expected ...models.ProcessingStatus) models.ProcessingStatus {
	t.Helper()
	var actual models.ProcessingStatus
	require.Eventually(t, func() bool {
		event, err := app.Events.GetByID(context.Background(), eventID)
		if err != nil {
			return false
		}
		actual = event.ProcessingStatus
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond,
		"event %s did not reach status %v (last: %s)", eventID, expected, actual)
	return actual
}

// WaitForChunkTotal polls the store until exactly n chunks exist.
func (app *TestApp) WaitForChunkTotal(t *testing.T, n int64) {
	t.Helper()
	var last int64
	require.Eventually(t, func() bool {
		stats, err := app.Chunks.Stats(context.Background())
		if err != nil {
			return false
		}
		last = stats.Total
		return last == n
	}, 10*time.Second, 50*time.Millisecond,
		"expected %d chunks, last saw %d", n, last)
}

// CountRawEvents returns the number of staged raw events.
func (app *TestApp) CountRawEvents(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, app.DB.QueryRowContext(context.Background(),
		`SELECT count(*) FROM raw_events`).Scan(&n))
	return n
}

// ────────────────────────────────────────────────────────────
// Seeding helpers
// ────────────────────────────────────────────────────────────

// SeedChunk stores one chunk with an explicit embedding, bypassing the
// pipeline. The backing raw event is inserted so foreign keys hold.
func (app *TestApp) SeedChunk(t *testing.T, source, content string, vec []float32, importance float64) *models.KnowledgeChunk {
	t.Helper()
	ctx := context.Background()
	event, err := app.Events.Insert(ctx, eventlog.InsertInput{
		Source:    source,
		EventType: "message",
		Payload:   map[string]any{"text": content},
	})
	require.NoError(t, err)

	stored, err := app.Chunks.Store(ctx, &models.KnowledgeChunk{
		Content:        content,
		SourceType:     source,
		SourceEventID:  event.ID,
		Importance:     importance,
		Embedding:      vec,
		EmbeddingModel: "fake-embedder",
	})
	require.NoError(t, err)
	return stored
}

// ────────────────────────────────────────────────────────────
// Vector helpers
// ────────────────────────────────────────────────────────────

// unitVec returns the unit vector along one axis.
func unitVec(axis int) []float32 {
	vec := make([]float32, e2eDims)
	vec[axis] = 1
	return vec
}

// rotatedVec returns a unit vector at the given angle from axis 0, in the
// plane of axes 0 and 1. Its cosine similarity to unitVec(0) is cos(radians).
func rotatedVec(radians float64) []float32 {
	vec := make([]float32, e2eDims)
	vec[0] = float32(math.Cos(radians))
	vec[1] = float32(math.Sin(radians))
	return vec
}
