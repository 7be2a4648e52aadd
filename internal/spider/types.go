// Package spider defines core types shared across subsystems.
package spider

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// Request is one unit of fetch work produced by a partition page.
type Request struct {
	URL             string
	Method          string
	Headers         map[string]string
	Referer         string
	Origin          string
	PostBody        string
	Proxy           *Proxy
	DownloaderGroup string
	Priority        int
	Extras          map[string]string

	// Mutated during fetching.
	StatusCode      int
	CycleTriedTimes int

	// Site overrides the task site for this request when non-nil.
	Site *Site
}

// Fingerprint returns the dedup identity of the request: a hex SHA-256
// digest over method, URL and body.
func (r *Request) Fingerprint() string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", method, r.URL, r.PostBody))
	return hex.EncodeToString(sum[:])
}

// SeedCookie is one cookie in the shared seed list, bound to the URL scope
// it was set for.
type SeedCookie struct {
	URL    string
	Cookie *http.Cookie
}

// Site holds per-crawl configuration shared by every request of a task.
type Site struct {
	TaskIdentity    string
	Headers         map[string]string
	UserAgent       string
	Accept          string
	EncodingName    string
	Cookies         []SeedCookie
	DownloadFiles   bool
	ProxyPool       ProxyPool
	CycleRetryTimes int
	ContentDecode   bool
	Timeout         time.Duration
}

// Header returns the site header value for key, or "" when unset.
func (s *Site) Header(key string) string {
	if s == nil || s.Headers == nil {
		return ""
	}
	return s.Headers[key]
}

// Page is the result of fetching one request. It is constructed per fetch,
// handed to the next pipeline stage and then discarded.
type Page struct {
	Request   *Request
	Content   string
	Bytes     []byte
	TargetURL string

	// Skip marks a page that carries no content for the pipeline: a binary
	// download or a filtered media type.
	Skip bool
	// Retry marks a terminal failure produced through the cycle-retry
	// mechanism after its budget ran out.
	Retry bool

	Err error
}

// NewPage constructs a page for the given request.
func NewPage(req *Request) *Page {
	return &Page{Request: req}
}

// Proxy identifies one upstream proxy drawn from a pool.
type Proxy struct {
	Scheme string
	Host   string
	Port   int
}

// Identity returns the stable client group key for the proxy.
func (p *Proxy) Identity() string {
	return fmt.Sprintf("%s://%s:%d", p.Scheme, p.Host, p.Port)
}

// URL returns the proxy address in URL form.
func (p *Proxy) URL() string {
	return p.Identity()
}
