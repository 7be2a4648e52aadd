// Package httpclient maintains the pooled HTTP clients used for fetching.
package httpclient

import (
	"errors"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spiderframe/spiderframe/internal/spider"
)

const maxRedirectHops = 10

// Entry is one pooled HTTP client bound to a client group key. The client
// and its transport are long-lived and reused across fetches. The client's
// fields are never written after the entry's first Prepare; per-fetch
// settings live in opts and are read atomically by in-flight requests.
type Entry struct {
	Key       string
	Client    *http.Client
	transport *http.Transport
	opts      atomic.Value
	proxied   bool
}

// options returns the settings from the most recent Prepare.
func (e *Entry) options() PrepareOptions {
	if o, ok := e.opts.Load().(PrepareOptions); ok {
		return o
	}
	return PrepareOptions{AllowRedirect: true}
}

// RequestTimeout reports the per-fetch timeout last set by Prepare.
func (e *Entry) RequestTimeout() time.Duration {
	return e.options().Timeout
}

func (e *Entry) checkRedirect(_ *http.Request, via []*http.Request) error {
	if !e.options().AllowRedirect {
		return http.ErrUseLastResponse
	}
	if len(via) >= maxRedirectHops {
		return errors.New("stopped after 10 redirects")
	}
	return nil
}

// Pool caches one Entry per client group key and owns the shared cookie
// seed list used to initialize new cookie jars.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seeds   []spider.SeedCookie
	seeded  map[string]bool
	logger  *zap.Logger
}

// NewPool constructs an empty client pool.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		entries: make(map[string]*Entry),
		seeded:  make(map[string]bool),
		logger:  logger,
	}
}

// AddCookie appends a cookie to the shared seed list. Jars seeded later
// receive a copy scoped to rawURL; already-seeded entries are unaffected.
func (p *Pool) AddCookie(rawURL string, cookie *http.Cookie) {
	if cookie == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeds = append(p.seeds, spider.SeedCookie{URL: rawURL, Cookie: cookie})
}

// AddSiteCookies copies a site's configured cookies into the shared seed
// list.
func (p *Pool) AddSiteCookies(site *spider.Site) {
	if site == nil {
		return
	}
	for _, seed := range site.Cookies {
		p.AddCookie(seed.URL, seed.Cookie)
	}
}

// Get returns the entry for the group key, creating and caching it on first
// use.
func (p *Pool) Get(groupKey string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[groupKey]; ok {
		return entry
	}
	entry := newEntry(groupKey)
	p.entries[groupKey] = entry
	return entry
}

// PrepareOptions carries the per-fetch client settings applied by Prepare.
type PrepareOptions struct {
	AllowRedirect bool
	Timeout       time.Duration
	Proxy         *spider.Proxy
}

// Prepare applies timeout, redirect policy and proxy to the entry. It is
// safe to call concurrently with in-flight requests on the same entry:
// timeout and redirect settings are stored atomically (last writer wins),
// while the transport proxy and cookie jar are written only on the entry's
// first Prepare, which the pool mutex orders before any send through this
// client.
func (p *Pool) Prepare(entry *Entry, opts PrepareOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if opts.Proxy != nil && !entry.proxied {
		proxyURL, err := url.Parse(opts.Proxy.URL())
		if err != nil {
			return err
		}
		entry.transport.Proxy = http.ProxyURL(proxyURL)
		entry.proxied = true
	}

	if !p.seeded[entry.Key] {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return err
		}
		for _, seed := range p.seeds {
			scope, err := url.Parse(seed.URL)
			if err != nil {
				p.logger.Warn("skipping cookie with unparsable scope",
					zap.String("url", seed.URL),
					zap.String("cookie", seed.Cookie.Name),
				)
				continue
			}
			jar.SetCookies(scope, []*http.Cookie{seed.Cookie})
		}
		entry.Client.Jar = jar
		p.seeded[entry.Key] = true
	}

	entry.opts.Store(opts)
	return nil
}

// CloseIdle tears down idle connections across every pooled client.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		entry.transport.CloseIdleConnections()
	}
}

func newEntry(key string) *Entry {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	entry := &Entry{
		Key:       key,
		transport: transport,
	}
	entry.Client = &http.Client{
		Transport:     transport,
		CheckRedirect: entry.checkRedirect,
	}
	return entry
}
