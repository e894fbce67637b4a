package db

import (
	"context"

	"github.com/migadu/rolo/pkg/metrics"
)

// GetMetricsStats gathers the totals polled by the metrics collector. One
// round trip per table keeps each query trivially index-backed.
func (db *Database) GetMetricsStats(ctx context.Context) (*metrics.Stats, error) {
	pool := db.GetReadPoolWithContext(ctx)
	stats := &metrics.Stats{}

	queries := []struct {
		sql string
		dst *int64
	}{
		{`SELECT COUNT(*) FROM accounts WHERE disabled_at IS NULL`, &stats.Accounts},
		{`SELECT COUNT(*) FROM messages`, &stats.Messages},
		{`SELECT COUNT(*) FROM contacts WHERE deleted_at IS NULL AND merged_into IS NULL`, &stats.Contacts},
		{`SELECT COUNT(*) FROM interactions`, &stats.Interactions},
		{`SELECT COUNT(*) FROM jobs WHERE state = 'pending'`, &stats.PendingJobs},
		{`SELECT COUNT(*) FROM jobs WHERE state = 'dead'`, &stats.DeadJobs},
	}
	for _, q := range queries {
		if err := pool.QueryRow(ctx, q.sql).Scan(q.dst); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
