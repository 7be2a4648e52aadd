package partition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spiderframe/spiderframe/internal/metrics"
	"github.com/spiderframe/spiderframe/internal/retry"
	"github.com/spiderframe/spiderframe/internal/spider"
)

// defaultStoreRetryAttempts is the ceiling for the blocking retry around a
// load cycle. A store outage stalls the worker instead of crashing it.
const defaultStoreRetryAttempts = 10000

// PageStore is the persistence surface the scheduler drives. *Store
// implements it against Postgres.
type PageStore interface {
	EnsureSchema(ctx context.Context) error
	RegisterTask(ctx context.Context, identity, description string) (bool, error)
	SeedPages(ctx context.Context, taskName string, totalCount int64, pageSize int) (int, error)
	ClaimNextPage(ctx context.Context, taskName string) (int, bool, error)
	ReleaseRunningPage(ctx context.Context, taskName string, page int) (bool, error)
}

// SchedulerConfig carries the per-task scheduling knobs.
type SchedulerConfig struct {
	// Identity keys the task registration row. Defaults to the task name.
	Identity    string
	Description string
	PageSize    int
	// Reset reseeds the page tables on first-ever registration.
	Reset bool
	// StoreRetryAttempts bounds the blocking retry around a load cycle.
	StoreRetryAttempts int
}

// Scheduler layers crash-recoverable page partitioning on top of the dedup
// queue: whenever the queue runs empty it claims the next pending page,
// asks the task to enumerate that page's requests and pushes them.
//
// A scheduler holds at most one running page in memory at a time; the
// release at the start of every load cycle both confirms clean progress and
// recovers the page after an in-process failure.
type Scheduler struct {
	queue spider.Queue
	store PageStore
	task  spider.Task
	cfg   SchedulerConfig

	currentPage int
	policy      *retry.Policy
	logger      *zap.Logger
}

// NewScheduler composes a scheduler over the queue, store and task.
func NewScheduler(queue spider.Queue, store PageStore, task spider.Task, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Identity == "" {
		cfg.Identity = task.Name()
	}
	attempts := cfg.StoreRetryAttempts
	if attempts <= 0 {
		attempts = defaultStoreRetryAttempts
	}
	return &Scheduler{
		queue:  queue,
		store:  store,
		task:   task,
		cfg:    cfg,
		policy: retry.New(attempts, logger),
		logger: logger,
	}
}

// Init ensures the schema, registers the task and, on a first-ever
// registration with Reset set, recomputes the workload size and seeds the
// page tables. It finishes with one load cycle.
func (s *Scheduler) Init(ctx context.Context) error {
	if err := s.store.EnsureSchema(ctx); err != nil {
		return err
	}
	isNew, err := s.store.RegisterTask(ctx, s.cfg.Identity, s.cfg.Description)
	if err != nil {
		return err
	}
	if isNew && s.cfg.Reset {
		total, err := s.task.TotalCount(ctx)
		if err != nil {
			return fmt.Errorf("total count for %s: %w", s.task.Name(), err)
		}
		pages, err := s.store.SeedPages(ctx, s.task.Name(), total, s.cfg.PageSize)
		if err != nil {
			return err
		}
		s.logger.Info("seeded partition pages",
			zap.String("task", s.task.Name()),
			zap.Int64("total", total),
			zap.Int("page_size", s.cfg.PageSize),
			zap.Int("pages", pages),
		)
	}
	return s.LoadRequests(ctx)
}

// Poll returns the next deduplicated request. An empty poll triggers a
// refill so a subsequent poll can succeed.
func (s *Scheduler) Poll(ctx context.Context) *spider.Request {
	req := s.queue.Poll()
	if req == nil {
		if err := s.LoadRequests(ctx); err != nil {
			s.logger.Error("load requests failed", zap.String("task", s.task.Name()), zap.Error(err))
		}
	}
	return req
}

// Push forwards a request into the underlying dedup queue.
func (s *Scheduler) Push(req *spider.Request) {
	s.queue.Push(req)
}

// LoadRequests runs one claim-enumerate-push cycle under the blocking retry
// policy.
func (s *Scheduler) LoadRequests(ctx context.Context) error {
	if s.currentPage > 0 {
		s.logger.Info("paging", zap.Int("page", s.currentPage), zap.String("task", s.task.Name()))
	}
	return s.policy.Do(ctx, "load requests", func() error {
		return s.loadOnce(ctx)
	})
}

func (s *Scheduler) loadOnce(ctx context.Context) error {
	taskName := s.task.Name()

	if s.currentPage > 0 {
		released, err := s.store.ReleaseRunningPage(ctx, taskName, s.currentPage)
		if err != nil {
			return err
		}
		if released {
			s.currentPage = 0
		}
	}

	page, ok, err := s.store.ClaimNextPage(ctx, taskName)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.currentPage = page

	requests, err := s.task.GenerateRequests(ctx, page)
	if err != nil {
		return fmt.Errorf("generate requests for page %d: %w", page, err)
	}

	if len(requests) == 0 {
		// The page's work vanished upstream; retire it so it never dangles.
		if _, err := s.store.ReleaseRunningPage(ctx, taskName, page); err != nil {
			return err
		}
		s.currentPage = 0
		metrics.IncPagesRetired()
		s.logger.Info("retired empty page", zap.Int("page", page), zap.String("task", taskName))
		return nil
	}

	site := s.task.Site()
	for _, req := range requests {
		if req.Site == nil {
			req.Site = site
		}
		s.queue.Push(req)
	}
	s.logger.Debug("loaded page requests",
		zap.Int("page", page),
		zap.String("task", taskName),
		zap.Int("requests", len(requests)),
	)
	return nil
}
