package downloader

import (
	"go.uber.org/zap"

	"github.com/spiderframe/spiderframe/internal/metrics"
	"github.com/spiderframe/spiderframe/internal/spider"
)

// CycleRetry re-enqueues failed requests into the dedup queue up to the
// site's cycle-retry budget.
type CycleRetry struct {
	queue  spider.Queue
	logger *zap.Logger
}

// NewCycleRetry constructs a retrier backed by the given queue.
func NewCycleRetry(queue spider.Queue, logger *zap.Logger) *CycleRetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleRetry{queue: queue, logger: logger}
}

// AddToCycleRetry re-enqueues the request while its budget lasts, returning
// nil so the failure stays invisible downstream. Once the budget is
// exhausted it returns a terminal failed page instead.
func (c *CycleRetry) AddToCycleRetry(req *spider.Request, site *spider.Site) *spider.Page {
	if req.CycleTriedTimes >= site.CycleRetryTimes {
		c.logger.Warn("cycle retry budget exhausted",
			zap.String("url", req.URL),
			zap.Int("tried", req.CycleTriedTimes),
		)
		page := spider.NewPage(req)
		page.Retry = true
		return page
	}
	req.CycleTriedTimes++
	metrics.IncCycleRetries()
	c.logger.Info("request re-enqueued for cycle retry",
		zap.String("url", req.URL),
		zap.Int("attempt", req.CycleTriedTimes),
		zap.Int("budget", site.CycleRetryTimes),
	)
	c.queue.Push(req)
	return nil
}
