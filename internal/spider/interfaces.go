package spider

import "context"

// Queue provides duplicate-removed push/poll semantics for fetch requests.
type Queue interface {
	// Push enqueues the request unless its fingerprint was seen before.
	Push(req *Request)
	// Poll returns the next request, or nil when the queue is empty.
	Poll() *Request
}

// Task defines one partitioned crawl job. Implementations supply the total
// workload size and the requests represented by a single page.
type Task interface {
	Name() string
	Site() *Site
	TotalCount(ctx context.Context) (int64, error)
	GenerateRequests(ctx context.Context, page int) ([]*Request, error)
}

// ProxyPool hands out proxies for outbound requests.
type ProxyPool interface {
	GetProxy() (*Proxy, error)
}

// NetworkGuard wraps a transport call so that connectivity loss triggers a
// reconnect before the call is retried. Implementations are external; the
// downloader only relies on Execute eventually returning.
type NetworkGuard interface {
	Execute(label string, fn func() error) error
	IsAvailable() bool
}

// CycleRetrier re-enqueues a failed request up to the site's cycle-retry
// budget. It returns nil while retries remain (the failure is swallowed)
// and a terminal failed page once the budget is exhausted.
type CycleRetrier interface {
	AddToCycleRetry(req *Request, site *Site) *Page
}

// Pipeline consumes fetched pages downstream of the crawl engine.
type Pipeline interface {
	Process(ctx context.Context, page *Page) error
}
