package metrics

import (
	"context"
	"time"

	"github.com/migadu/rolo/logger"
)

// Stats holds aggregate statistics returned by the database.
type Stats struct {
	Accounts     int64
	Messages     int64
	Contacts     int64
	Interactions int64
	PendingJobs  int64
	DeadJobs     int64
}

// StatsProvider is the database view the collector polls.
type StatsProvider interface {
	GetMetricsStats(ctx context.Context) (*Stats, error)
}

// Collector periodically refreshes database-backed gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the collection loop. It blocks until the context is cancelled
// or Stop is called, so run it in its own goroutine.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("metrics collector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetMetricsStats(ctx)
	if err != nil {
		logger.Warn("metrics collection failed", "error", err)
		return
	}

	TotalAccounts.Set(float64(stats.Accounts))
	TotalMessages.Set(float64(stats.Messages))
	TotalContacts.Set(float64(stats.Contacts))
	TotalInteractions.Set(float64(stats.Interactions))
	JobsPending.Set(float64(stats.PendingJobs))
	JobsDead.Set(float64(stats.DeadJobs))
}
