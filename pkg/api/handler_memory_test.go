package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySearchEndpoint(t *testing.T) {
	env := setupAPI(t)
	env.seedChunk(t, "slack", "jwt tokens rotate weekly", anchor(0), 0.9)
	env.seedChunk(t, "slack", "lunch menu changed", anchor(1), 0.1)
	env.fake.PinEmbedding("api authentication", anchor(0))

	rec := env.do(t, http.MethodPost, "/api/v1/memory/search", MemorySearchRequest{
		Query: "api authentication",
		Limit: 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MemorySearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "jwt tokens rotate weekly", resp.Results[0].Content)
	assert.Equal(t, "slack", resp.Results[0].SourceType)
	assert.InDelta(t, 1.0, resp.Results[0].Similarity, 1e-3)
	assert.False(t, resp.Results[0].CreatedAt.IsZero())
	assert.Equal(t, 1, resp.Total)

	var raw struct {
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw.Results, 1)
	assert.Contains(t, raw.Results[0], "sourceType")
	assert.Contains(t, raw.Results[0], "createdAt")
	assert.Contains(t, raw.Results[0], "relevance")
}

func TestMemorySearchFiltersSourceTypes(t *testing.T) {
	env := setupAPI(t)
	env.seedChunk(t, "slack", "incident declared in payments", anchor(0), 0.5)
	env.seedChunk(t, "jira", "PAY-42 rollback completed", anchor(0), 0.5)
	env.fake.PinEmbedding("payments incident", anchor(0))

	rec := env.do(t, http.MethodPost, "/api/v1/memory/search", MemorySearchRequest{
		Query:       "payments incident",
		SourceTypes: []string{"jira"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MemorySearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "jira", resp.Results[0].SourceType)
}

func TestMemorySearchValidation(t *testing.T) {
	env := setupAPI(t)
	rec := env.do(t, http.MethodPost, "/api/v1/memory/search", map[string]any{"limit": 3})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeError(t, rec).Kind)
}

func TestMemoryStatsEndpoint(t *testing.T) {
	env := setupAPI(t)
	env.seedChunk(t, "slack", "first note", anchor(0), 0.5)
	env.seedChunk(t, "slack", "second note", anchor(1), 0.5)
	env.seedChunk(t, "jira", "ticket summary", anchor(2), 0.5)

	rec := env.do(t, http.MethodGet, "/api/v1/memory/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp MemoryStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Equal(t, int64(2), resp.BySource["slack"])
	assert.Equal(t, int64(1), resp.BySource["jira"])
	assert.Equal(t, int64(3), resp.ByTier["hot"])
}

func TestMemoryRecentEndpoint(t *testing.T) {
	env := setupAPI(t)
	env.seedChunk(t, "slack", "older note", anchor(0), 0.5)
	env.seedChunk(t, "slack", "newer note", anchor(1), 0.5)
	env.seedChunk(t, "jira", "ticket note", anchor(2), 0.5)

	rec := env.do(t, http.MethodGet, "/api/v1/memory/recent?sourceType=jira", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var chunks []MemoryChunk
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chunks))
	require.Len(t, chunks, 1)
	assert.Equal(t, "ticket note", chunks[0].Content)
	assert.Equal(t, "hot", chunks[0].Tier)

	rec = env.do(t, http.MethodGet, "/api/v1/memory/recent?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chunks))
	assert.Len(t, chunks, 2)
}

func TestMemoryRecentLimitValidation(t *testing.T) {
	env := setupAPI(t)
	for _, limit := range []string{"0", "101", "abc"} {
		rec := env.do(t, http.MethodGet, "/api/v1/memory/recent?limit="+limit, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "limit %q", limit)
		assert.Equal(t, "validation", decodeError(t, rec).Kind)
	}
}
