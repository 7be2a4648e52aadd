// Package worker implements the fetch pipeline execution loop.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spiderframe/spiderframe/internal/publisher"
	"github.com/spiderframe/spiderframe/internal/spider"
)

// Scheduler hands out the next request to fetch.
type Scheduler interface {
	Poll(ctx context.Context) *spider.Request
}

// Fetcher executes one request against its site.
type Fetcher interface {
	Fetch(ctx context.Context, req *spider.Request, site *spider.Site) *spider.Page
}

// Config controls Worker behavior.
type Config struct {
	Concurrency   int
	EmptySleep    time.Duration
	MaxEmptyPolls int
	Event         string
}

// Worker polls the scheduler and drives fetched pages through the
// pipelines. A nil page from the fetcher means the request went back for a
// cycle retry and needs no further handling here.
type Worker struct {
	scheduler Scheduler
	fetcher   Fetcher
	pipelines []spider.Pipeline
	publisher publisher.Publisher
	site      *spider.Site
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. The site acts as the default for requests that
// do not carry their own.
func New(
	scheduler Scheduler,
	fetcher Fetcher,
	pipelines []spider.Pipeline,
	pub publisher.Publisher,
	site *spider.Site,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.EmptySleep <= 0 {
		cfg.EmptySleep = 500 * time.Millisecond
	}
	return &Worker{
		scheduler: scheduler,
		fetcher:   fetcher,
		pipelines: pipelines,
		publisher: pub,
		site:      site,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, fetching requests until the context finishes or the queue
// stays empty for MaxEmptyPolls consecutive polls on every goroutine.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	empty := 0
	for {
		if ctx.Err() != nil {
			return
		}
		req := w.scheduler.Poll(ctx)
		if req == nil {
			empty++
			if w.cfg.MaxEmptyPolls > 0 && empty >= w.cfg.MaxEmptyPolls {
				w.logger.Info("worker drained", zap.Int("worker", id), zap.Int("empty_polls", empty))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.EmptySleep):
			}
			continue
		}
		empty = 0
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req *spider.Request) {
	site := req.Site
	if site == nil {
		site = w.site
	}
	page := w.fetcher.Fetch(ctx, req, site)
	if page == nil {
		return
	}
	if page.Skip {
		w.logger.Debug("page skipped", zap.String("url", req.URL))
		return
	}
	if page.Retry || page.Err != nil {
		w.logger.Warn("page failed", zap.String("url", req.URL), zap.Error(page.Err))
		w.publishResult(ctx, site, page, true)
		return
	}
	for _, p := range w.pipelines {
		if err := p.Process(ctx, page); err != nil {
			w.logger.Error("pipeline failed", zap.String("url", req.URL), zap.Error(err))
		}
	}
	w.publishResult(ctx, site, page, false)
}

func (w *Worker) publishResult(ctx context.Context, site *spider.Site, page *spider.Page, failed bool) {
	if w.publisher == nil || w.cfg.Event == "" {
		return
	}
	identity := ""
	if site != nil {
		identity = site.TaskIdentity
	}
	event := publisher.PageEvent{
		TaskIdentity:  identity,
		URL:           page.Request.URL,
		Method:        page.Request.Method,
		StatusCode:    page.Request.StatusCode,
		TargetURL:     page.TargetURL,
		ContentLength: len(page.Content),
		Failed:        failed,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Event, event); err != nil {
		w.logger.Error("publish page result failed", zap.String("url", page.Request.URL), zap.Error(err))
	}
}
