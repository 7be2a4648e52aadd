package downloader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spiderframe/spiderframe/internal/httpclient"
	"github.com/spiderframe/spiderframe/internal/netguard"
	"github.com/spiderframe/spiderframe/internal/spider"
	"github.com/spiderframe/spiderframe/internal/storage/local"
)

type recordingQueue struct {
	pushed []*spider.Request
}

func (q *recordingQueue) Push(req *spider.Request) { q.pushed = append(q.pushed, req) }
func (q *recordingQueue) Poll() *spider.Request    { return nil }

func newTestDownloader(t *testing.T, queue spider.Queue, cfg Config) *Downloader {
	t.Helper()
	files, err := local.New(t.TempDir())
	require.NoError(t, err)
	var retrier spider.CycleRetrier
	if queue != nil {
		retrier = NewCycleRetry(queue, zap.NewNop())
	}
	return New(httpclient.NewPool(zap.NewNop()), netguard.NewPassthrough(), files, retrier, cfg, zap.NewNop())
}

func TestFetchSendsSiteSeedCookies(t *testing.T) {
	t.Parallel()

	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	site := &spider.Site{
		TaskIdentity: "t",
		Cookies: []spider.SeedCookie{
			{URL: srv.URL, Cookie: &http.Cookie{Name: "session", Value: "abc123"}},
		},
	}
	pool := httpclient.NewPool(zap.NewNop())
	pool.AddSiteCookies(site)
	files, err := local.New(t.TempDir())
	require.NoError(t, err)
	d := New(pool, netguard.NewPassthrough(), files, nil, Config{}, zap.NewNop())

	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL}, site)
	require.NotNil(t, page)
	require.False(t, page.Skip)
	require.Equal(t, "abc123", gotCookie)
}

func TestFetchJSONIsContentNotFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d := newTestDownloader(t, nil, Config{})
	site := &spider.Site{TaskIdentity: "t", DownloadFiles: false}
	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL}, site)

	require.NotNil(t, page)
	require.False(t, page.Skip)
	require.Equal(t, `{"ok":true}`, page.Content)
	require.Equal(t, http.StatusOK, page.Request.StatusCode)
	require.Equal(t, srv.URL, page.TargetURL)
}

func TestFetchExclusionSetIgnoresCase(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "Application/JSON")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := newTestDownloader(t, nil, Config{})
	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL}, &spider.Site{})

	require.NotNil(t, page)
	require.False(t, page.Skip)
	require.Equal(t, `{}`, page.Content)
}

func TestFetchBinaryWithoutDownloadFilesIsSkipped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))
	defer srv.Close()

	dir := t.TempDir()
	files, err := local.New(dir)
	require.NoError(t, err)
	d := New(httpclient.NewPool(zap.NewNop()), netguard.NewPassthrough(), files, nil, Config{}, zap.NewNop())

	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL + "/img.png"}, &spider.Site{TaskIdentity: "t", DownloadFiles: false})

	require.NotNil(t, page)
	require.True(t, page.Skip)
	require.Empty(t, page.Content)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFetchBinaryPersistsFileOnce(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("payload-1"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	files, err := local.New(dir)
	require.NoError(t, err)
	d := New(httpclient.NewPool(zap.NewNop()), netguard.NewPassthrough(), files, nil, Config{}, zap.NewNop())
	site := &spider.Site{TaskIdentity: "task-7", DownloadFiles: true}

	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL + "/files/data.bin"}, site)
	require.NotNil(t, page)
	require.True(t, page.Skip)

	target := filepath.Join(dir, "task-7", "files", "data.bin")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "payload-1", string(data))

	// A second fetch must not overwrite the existing file.
	require.NoError(t, os.WriteFile(target, []byte("edited"), 0o600))
	page = d.Fetch(context.Background(), &spider.Request{URL: srv.URL + "/files/data.bin"}, site)
	require.NotNil(t, page)
	require.True(t, page.Skip)
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "edited", string(data))
}

func TestFetchNulByteBecomesSpace(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("head\x00tail"))
	}))
	defer srv.Close()

	d := newTestDownloader(t, nil, Config{})
	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL}, &spider.Site{})

	require.NotNil(t, page)
	require.Equal(t, "head tail", page.Content)
}

func TestFetchPostHeaders(t *testing.T) {
	t.Parallel()

	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := newTestDownloader(t, nil, Config{})
	site := &spider.Site{
		UserAgent: "spider-ua/1.0",
		Accept:    "text/html",
		Headers:   map[string]string{"X-Custom": "yes", "Cookie": "nope=1"},
	}
	req := &spider.Request{
		URL:      srv.URL,
		Method:   "POST",
		PostBody: "a=1&b=2",
		Referer:  "https://ref.example",
		Origin:   "https://origin.example",
	}
	page := d.Fetch(context.Background(), req, site)

	require.NotNil(t, page)
	require.Equal(t, "a=1&b=2", string(body))
	require.Equal(t, "spider-ua/1.0", got.Header.Get("User-Agent"))
	require.Equal(t, "https://ref.example", got.Header.Get("Referer"))
	require.Equal(t, "https://origin.example", got.Header.Get("Origin"))
	require.Equal(t, "text/html", got.Header.Get("Accept"))
	require.Equal(t, "yes", got.Header.Get("X-Custom"))
	// No site Content-Type configured: no explicit override is sent, but
	// the AJAX marker still is.
	require.Equal(t, "XMLHttpRequest", got.Header.Get("X-Requested-With"))
	require.Empty(t, got.Header.Get("Cookie"))
}

func TestFetchPostXRequestedWithSentinel(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := newTestDownloader(t, nil, Config{})
	site := &spider.Site{Headers: map[string]string{"X-Requested-With": "NULL"}}
	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL, Method: "POST", PostBody: "x"}, site)

	require.NotNil(t, page)
	require.Empty(t, got.Get("X-Requested-With"))
}

func TestFetchSiteHeaderUserAgentWins(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := newTestDownloader(t, nil, Config{})
	site := &spider.Site{
		UserAgent: "fallback-ua",
		Headers:   map[string]string{"User-Agent": "header-ua"},
	}
	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL}, site)

	require.NotNil(t, page)
	require.Equal(t, "header-ua", got.Get("User-Agent"))
}

func TestFetchNonSuccessStatusEntersCycleRetry(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	queue := &recordingQueue{}
	d := newTestDownloader(t, queue, Config{})
	site := &spider.Site{CycleRetryTimes: 2}
	req := &spider.Request{URL: srv.URL}

	// Budget remaining: the failure is swallowed and the request re-enqueued.
	page := d.Fetch(context.Background(), req, site)
	require.Nil(t, page)
	require.Len(t, queue.pushed, 1)
	require.Equal(t, 1, req.CycleTriedTimes)
	require.Equal(t, http.StatusServiceUnavailable, req.StatusCode)

	page = d.Fetch(context.Background(), req, site)
	require.Nil(t, page)
	require.Equal(t, 2, req.CycleTriedTimes)

	// Budget exhausted: a terminal failed page surfaces the error.
	page = d.Fetch(context.Background(), req, site)
	require.NotNil(t, page)
	require.True(t, page.Retry)
	require.Error(t, page.Err)
	require.Len(t, queue.pushed, 2)
}

func TestFetchWithoutCycleRetryFailsImmediately(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newTestDownloader(t, nil, Config{})
	page := d.Fetch(context.Background(), &spider.Request{URL: srv.URL}, &spider.Site{})

	require.NotNil(t, page)
	require.Error(t, page.Err)
	require.False(t, page.Retry)
}
