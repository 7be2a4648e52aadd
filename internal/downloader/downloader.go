// Package downloader implements the resilient fetch executor.
package downloader

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/spiderframe/spiderframe/internal/httpclient"
	"github.com/spiderframe/spiderframe/internal/metrics"
	"github.com/spiderframe/spiderframe/internal/spider"
	"github.com/spiderframe/spiderframe/internal/storage/local"
)

const (
	headerUserAgent      = "User-Agent"
	headerContentType    = "Content-Type"
	headerXRequestedWith = "X-Requested-With"

	// suppressHeaderSentinel is the literal site-header value that tells the
	// downloader to never add the X-Requested-With marker.
	suppressHeaderSentinel = "NULL"

	defaultTimeout = 8 * time.Second
)

// Config controls downloader behavior shared across fetches.
type Config struct {
	// Timeout applies when the site does not set its own.
	Timeout time.Duration
	// AllowRedirect toggles redirect following on pooled clients.
	AllowRedirect bool
	// DecodeContent HTML-decodes and then URL-decodes textual content.
	DecodeContent bool
}

// Downloader fetches requests through pooled clients under the network
// guard and classifies responses into content pages, file skips or retries.
type Downloader struct {
	pool    *httpclient.Pool
	guard   spider.NetworkGuard
	files   *local.Store
	retrier spider.CycleRetrier
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Downloader.
func New(
	pool *httpclient.Pool,
	guard spider.NetworkGuard,
	files *local.Store,
	retrier spider.CycleRetrier,
	cfg Config,
	logger *zap.Logger,
) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Downloader{
		pool:    pool,
		guard:   guard,
		files:   files,
		retrier: retrier,
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch executes the request against the site and returns the resulting
// page. It returns nil when the failure was swallowed by the cycle-retry
// mechanism and the request re-enqueued.
func (d *Downloader) Fetch(ctx context.Context, req *spider.Request, site *spider.Site) *spider.Page {
	if site == nil {
		site = &spider.Site{}
	}
	var resp *http.Response
	defer func() {
		if resp == nil {
			return
		}
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			d.logger.Error("drain response body failed", zap.String("url", req.URL), zap.Error(err))
		}
		if err := resp.Body.Close(); err != nil {
			d.logger.Error("close response body failed", zap.String("url", req.URL), zap.Error(err))
		}
	}()

	httpReq, err := d.buildRequest(ctx, req, site)
	if err != nil {
		return d.retryPage(err, req, site)
	}

	entry, opts, err := d.resolveClient(req, site)
	if err != nil {
		return d.retryPage(err, req, site)
	}
	if err := d.pool.Prepare(entry, opts); err != nil {
		return d.retryPage(err, req, site)
	}

	// The deadline rides on the request context so the shared client is
	// never mutated while other fetches are in flight on it.
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}

	err = d.guard.Execute("http", func() error {
		r, sendErr := entry.Client.Do(httpReq)
		resp = r
		return sendErr
	})
	if err != nil {
		return d.retryPage(err, req, site)
	}

	req.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d.retryPage(fmt.Errorf("unexpected status %d", resp.StatusCode), req, site)
	}

	mediaType := responseMediaType(resp)
	if mediaType != "" && !isTextMediaType(mediaType) {
		page := d.handleFile(req, resp, site, mediaType)
		if page == nil {
			// Body read failed mid-transfer; treat like any transport error.
			return d.retryPage(fmt.Errorf("read file body for %s", req.URL), req, site)
		}
		page.TargetURL = resp.Request.URL.String()
		return page
	}

	page, err := d.handleContent(req, resp, site)
	if err != nil {
		return d.retryPage(err, req, site)
	}
	page.TargetURL = resp.Request.URL.String()
	metrics.IncFetch(metrics.FetchOutcomeContent)
	return page
}

func (d *Downloader) buildRequest(ctx context.Context, req *spider.Request, site *spider.Site) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method == http.MethodPost {
		data, err := encodeBody(req.PostBody, site.EncodingName)
		if err != nil {
			return nil, fmt.Errorf("encode post body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	userAgent := site.Header(headerUserAgent)
	if userAgent == "" {
		userAgent = site.UserAgent
	}
	if userAgent != "" {
		httpReq.Header.Set(headerUserAgent, userAgent)
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	if req.Origin != "" {
		httpReq.Header.Set("Origin", req.Origin)
	}
	if site.Accept != "" {
		httpReq.Header.Set("Accept", site.Accept)
	}

	// Cookie, Content-Type and User-Agent are handled separately: cookies
	// come from the pooled client's jar, the other two above and below.
	for key, value := range site.Headers {
		if key == "" || value == "" {
			continue
		}
		if strings.EqualFold(key, "Cookie") || key == headerContentType || key == headerUserAgent {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		if key == "" || value == "" || strings.EqualFold(key, "Cookie") {
			continue
		}
		httpReq.Header.Set(key, value)
	}

	if method == http.MethodPost {
		if ct := site.Header(headerContentType); ct != "" {
			httpReq.Header.Set(headerContentType, ct)
		}
		switch {
		case site.Header(headerXRequestedWith) == suppressHeaderSentinel:
			httpReq.Header.Del(headerXRequestedWith)
		case httpReq.Header.Get(headerXRequestedWith) == "":
			httpReq.Header.Set(headerXRequestedWith, "XMLHttpRequest")
		}
	}
	return httpReq, nil
}

// resolveClient picks the pooled client for the fetch. Proxy selection and
// downloader-group selection are mutually exclusive: a site with a proxy
// pool keys the client by proxy identity, everything else by group.
func (d *Downloader) resolveClient(req *spider.Request, site *spider.Site) (*httpclient.Entry, httpclient.PrepareOptions, error) {
	timeout := site.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	opts := httpclient.PrepareOptions{
		AllowRedirect: d.cfg.AllowRedirect,
		Timeout:       timeout,
	}

	if site.ProxyPool == nil {
		return d.pool.Get(req.DownloaderGroup), opts, nil
	}

	proxy, err := site.ProxyPool.GetProxy()
	if err != nil {
		return nil, opts, fmt.Errorf("get proxy: %w", err)
	}
	req.Proxy = proxy
	opts.Proxy = proxy
	return d.pool.Get(proxy.Identity()), opts, nil
}

// handleFile persists a binary response body, or skips the page outright
// when the site disallows file downloads. It returns nil only when the body
// could not be read.
func (d *Downloader) handleFile(req *spider.Request, resp *http.Response, site *spider.Site, mediaType string) *spider.Page {
	if !site.DownloadFiles {
		d.logger.Warn("ignoring response: media type is not allowed to download",
			zap.String("url", req.URL),
			zap.String("media_type", mediaType),
		)
		metrics.IncFetch(metrics.FetchOutcomeSkip)
		page := spider.NewPage(req)
		page.Skip = true
		return page
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	localPath := resp.Request.URL.Path
	path, written, err := d.files.Put(site.TaskIdentity, localPath, data)
	switch {
	case err != nil:
		// A lost file is an operational problem, not a fetch failure: the
		// page still leaves as a skip.
		d.logger.Error("storage file failed",
			zap.String("url", req.URL),
			zap.String("task", site.TaskIdentity),
			zap.Error(err),
		)
		metrics.IncFileWriteFailures()
	case written:
		d.logger.Info("storage file success", zap.String("url", req.URL), zap.String("path", path))
		metrics.IncFilesSaved()
	default:
		d.logger.Debug("file already present, skipped", zap.String("path", path))
	}

	metrics.IncFetch(metrics.FetchOutcomeFile)
	page := spider.NewPage(req)
	page.Skip = true
	return page
}

func (d *Downloader) handleContent(req *spider.Request, resp *http.Response, site *spider.Site) (*spider.Page, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	preventCutOff(raw)

	content, err := decodeContent(raw, site.EncodingName, resp.Header.Get(headerContentType))
	if err != nil {
		return nil, err
	}
	if d.cfg.DecodeContent || site.ContentDecode {
		content = html.UnescapeString(content)
		if unescaped, uerr := url.QueryUnescape(content); uerr == nil {
			content = unescaped
		}
	}
	if strings.TrimSpace(content) == "" {
		d.logger.Warn("content is empty", zap.String("url", req.URL))
	}

	page := spider.NewPage(req)
	page.Content = content
	page.Bytes = raw
	return page, nil
}

// retryPage converts any fetch failure into a cycle-retry outcome: nil
// while the budget lasts, a terminal failed page otherwise.
func (d *Downloader) retryPage(err error, req *spider.Request, site *spider.Site) *spider.Page {
	d.logger.Warn("download failed",
		zap.String("url", req.URL),
		zap.Error(err),
	)
	if site.CycleRetryTimes > 0 && d.retrier != nil {
		page := d.retrier.AddToCycleRetry(req, site)
		if page == nil {
			metrics.IncFetch(metrics.FetchOutcomeRetry)
			return nil
		}
		page.Err = err
		metrics.IncFetch(metrics.FetchOutcomeFailed)
		return page
	}
	metrics.IncFetch(metrics.FetchOutcomeFailed)
	page := spider.NewPage(req)
	page.Err = err
	return page
}

func responseMediaType(resp *http.Response) string {
	header := resp.Header.Get(headerContentType)
	if header == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return header
	}
	return mediaType
}

// preventCutOff rewrites NUL bytes to spaces so decoding never truncates at
// an embedded terminator.
func preventCutOff(b []byte) {
	for i := range b {
		if b[i] == 0x00 {
			b[i] = ' '
		}
	}
}

func encodeBody(body, encodingName string) ([]byte, error) {
	if encodingName == "" {
		return []byte(body), nil
	}
	enc, err := namedEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return enc.NewEncoder().Bytes([]byte(body))
}

func decodeContent(raw []byte, encodingName, contentType string) (string, error) {
	var enc encoding.Encoding
	if encodingName != "" {
		named, err := namedEncoding(encodingName)
		if err != nil {
			return "", err
		}
		enc = named
	} else {
		enc, _, _ = charset.DetermineEncoding(raw, contentType)
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode content: %w", err)
	}
	return string(decoded), nil
}

func namedEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}
