// Package main wires together the spider service binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spiderframe/spiderframe/internal/config"
	"github.com/spiderframe/spiderframe/internal/downloader"
	"github.com/spiderframe/spiderframe/internal/httpclient"
	"github.com/spiderframe/spiderframe/internal/logging"
	"github.com/spiderframe/spiderframe/internal/metrics"
	"github.com/spiderframe/spiderframe/internal/netguard"
	"github.com/spiderframe/spiderframe/internal/ops"
	"github.com/spiderframe/spiderframe/internal/partition"
	"github.com/spiderframe/spiderframe/internal/publisher"
	pubsubpublisher "github.com/spiderframe/spiderframe/internal/publisher/pubsub"
	queueMemory "github.com/spiderframe/spiderframe/internal/queue/memory"
	"github.com/spiderframe/spiderframe/internal/spider"
	localstorage "github.com/spiderframe/spiderframe/internal/storage/local"
	"github.com/spiderframe/spiderframe/internal/task"
	"github.com/spiderframe/spiderframe/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("spiderd", cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("spiderd failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := partition.NewStore(ctx, partition.StoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("connect page store: %w", err)
	}
	defer store.Close()

	identity := cfg.Scheduler.TaskIdentity
	if identity == "" {
		identity = fmt.Sprintf("%s-%s", cfg.Task.Name, uuid.NewString())
	}
	site := &spider.Site{
		TaskIdentity:    identity,
		UserAgent:       cfg.Task.UserAgent,
		EncodingName:    cfg.Task.EncodingName,
		CycleRetryTimes: cfg.Task.CycleRetryTimes,
		DownloadFiles:   cfg.Task.DownloadFiles,
	}
	for _, cookie := range cfg.Task.Cookies {
		site.Cookies = append(site.Cookies, spider.SeedCookie{
			URL:    cookie.URL,
			Cookie: &http.Cookie{Name: cookie.Name, Value: cookie.Value},
		})
	}
	pagingTask, err := task.NewPaging(cfg.Task.Name, cfg.Task.URLPattern, cfg.Task.TotalCount, site)
	if err != nil {
		return fmt.Errorf("build task: %w", err)
	}

	queue := queueMemory.NewQueue()
	scheduler := partition.NewScheduler(queue, store, pagingTask, partition.SchedulerConfig{
		Identity:           identity,
		Description:        fmt.Sprintf("paging task %s", cfg.Task.Name),
		PageSize:           cfg.Scheduler.PageSize,
		Reset:              cfg.Scheduler.Reset,
		StoreRetryAttempts: cfg.Scheduler.StoreRetryAttempts,
	}, logger.Named("scheduler"))
	if err := scheduler.Init(ctx); err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	pool := httpclient.NewPool(logger.Named("httpclient"))
	pool.AddSiteCookies(site)
	files, err := localstorage.New(cfg.Download.Dir)
	if err != nil {
		return fmt.Errorf("init download store: %w", err)
	}
	retrier := downloader.NewCycleRetry(queue, logger.Named("retry"))
	fetcher := downloader.New(pool, netguard.NewPassthrough(), files, retrier, downloader.Config{
		Timeout:       cfg.RequestTimeout(),
		AllowRedirect: cfg.HTTP.AllowRedirect,
		DecodeContent: cfg.HTTP.DecodeContent,
	}, logger.Named("downloader"))
	defer pool.CloseIdle()

	var pub publisher.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("connect pubsub: %w", err)
		}
		defer client.Close() //nolint:errcheck // best-effort close on shutdown
		topicPublisher := pubsubpublisher.New(client.Topic(cfg.PubSub.TopicName))
		defer topicPublisher.Stop()
		pub = topicPublisher
	}

	opsServer := ops.NewServer(queue, nil, logger.Named("ops"))
	opsCtx, opsCancel := context.WithCancel(ctx)
	defer opsCancel()
	opsErr := make(chan error, 1)
	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Ops.Port))
		opsErr <- opsServer.ListenAndServe(opsCtx, cfg.Ops.Port)
	}()

	crawler := worker.New(scheduler, fetcher, nil, pub, site, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		EmptySleep:    cfg.EmptySleep(),
		MaxEmptyPolls: cfg.Worker.MaxEmptyPolls,
		Event:         "page.fetched",
	}, logger.Named("worker"))

	logger.Info("crawl started",
		zap.String("task", cfg.Task.Name),
		zap.String("identity", identity),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)
	crawler.Run(ctx)
	logger.Info("crawl finished")

	opsCancel()
	return <-opsErr
}
