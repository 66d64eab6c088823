package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/engram-dev/engram/pkg/models"
)

// DemotionPolicy controls tier demotion: chunks older than the age bound
// with fewer accesses than the floor move down one tier. Chunks are never
// deleted, only demoted.
type DemotionPolicy struct {
	HotMaxAge       time.Duration
	WarmMaxAge      time.Duration
	HotAccessFloor  int64
	WarmAccessFloor int64
}

// DemotionResult counts the chunks moved per transition.
type DemotionResult struct {
	HotToWarm  int64
	WarmToCold int64
}

// DemoteTiers applies the policy. warm→cold runs before hot→warm so a single
// sweep moves a chunk at most one tier down.
func (s *Store) DemoteTiers(ctx context.Context, policy DemotionPolicy) (DemotionResult, error) {
	var result DemotionResult

	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_chunks
		SET tier = 'cold', updated_at = now()
		WHERE tier = 'warm'
		  AND created_at < now() - $1::interval
		  AND access_count < $2`,
		durationInterval(policy.WarmMaxAge), policy.WarmAccessFloor)
	if err != nil {
		return result, fmt.Errorf("failed to demote warm chunks: %w", err)
	}
	if result.WarmToCold, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("failed to read warm demotion count: %w", err)
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE knowledge_chunks
		SET tier = 'warm', updated_at = now()
		WHERE tier = 'hot'
		  AND created_at < now() - $1::interval
		  AND access_count < $2`,
		durationInterval(policy.HotMaxAge), policy.HotAccessFloor)
	if err != nil {
		return result, fmt.Errorf("failed to demote hot chunks: %w", err)
	}
	if result.HotToWarm, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("failed to read hot demotion count: %w", err)
	}

	return result, nil
}

// Stats summarizes the store by tier and source type.
func (s *Store) Stats(ctx context.Context) (*models.MemoryStats, error) {
	stats := &models.MemoryStats{
		ByTier:   make(map[string]int64),
		BySource: make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, count(*) FROM knowledge_chunks GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks by tier: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("failed to scan tier count: %w", err)
		}
		stats.ByTier[tier] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srcRows, err := s.db.QueryContext(ctx,
		`SELECT source_type, count(*) FROM knowledge_chunks GROUP BY source_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks by source: %w", err)
	}
	defer srcRows.Close()
	for srcRows.Next() {
		var source string
		var n int64
		if err := srcRows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %w", err)
		}
		stats.BySource[source] = n
	}
	return stats, srcRows.Err()
}

func durationInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
