package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/engram-dev/engram/pkg/retrieval"
)

// memorySearchHandler handles POST /api/v1/memory/search.
func (s *Server) memorySearchHandler(c *gin.Context) {
	var req MemorySearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: "+err.Error())
		return
	}

	start := time.Now()
	result, err := s.retrievalService.Search(c.Request.Context(), req.Query, retrieval.SearchOptions{
		TopK:          req.Limit,
		MinSimilarity: req.MinSimilarity,
		SourceTypes:   req.SourceTypes,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	hits := make([]MemoryHit, 0, len(result.Chunks))
	for _, sc := range result.Chunks {
		hits = append(hits, MemoryHit{
			ID:         sc.Chunk.ID,
			Content:    sc.Chunk.Content,
			Similarity: sc.Similarity,
			Relevance:  sc.Relevance,
			SourceType: sc.Chunk.SourceType,
			Metadata:   sc.Chunk.Metadata,
			CreatedAt:  sc.Chunk.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, &MemorySearchResponse{
		Results:    hits,
		Total:      result.TotalResults,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// memoryStatsHandler handles GET /api/v1/memory/stats.
func (s *Server) memoryStatsHandler(c *gin.Context) {
	stats, err := s.chunkStore.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &MemoryStatsResponse{
		Total:    stats.Total,
		ByTier:   stats.ByTier,
		BySource: stats.BySource,
	})
}

// memoryRecentHandler handles GET /api/v1/memory/recent.
func (s *Server) memoryRecentHandler(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			respondValidation(c, "invalid limit: must be an integer between 1 and 100")
			return
		}
		limit = n
	}

	chunks, err := s.retrievalService.GetRecent(c.Request.Context(), c.Query("sourceType"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]MemoryChunk, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, MemoryChunk{
			ID:         ch.ID,
			Content:    ch.Content,
			SourceType: ch.SourceType,
			Importance: ch.Importance,
			Tier:       string(ch.Tier),
			Metadata:   ch.Metadata,
			CreatedAt:  ch.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, out)
}
