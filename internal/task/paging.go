// Package task contains ready-made Task implementations.
package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/spiderframe/spiderframe/internal/spider"
)

// Paging enumerates listing URLs from a printf-style pattern with a single
// page-number placeholder, e.g. "https://shop.example.com/list?page=%d".
type Paging struct {
	name    string
	site    *spider.Site
	pattern string
	total   int64
}

// NewPaging builds a Paging task. The pattern must contain exactly one %d
// verb for the page number.
func NewPaging(name, pattern string, total int64, site *spider.Site) (*Paging, error) {
	if name == "" {
		return nil, fmt.Errorf("task name must be set")
	}
	if strings.Count(pattern, "%d") != 1 {
		return nil, fmt.Errorf("url pattern %q must contain exactly one %%d", pattern)
	}
	if total < 0 {
		return nil, fmt.Errorf("total count must be >= 0")
	}
	if site == nil {
		site = &spider.Site{TaskIdentity: name}
	}
	return &Paging{name: name, site: site, pattern: pattern, total: total}, nil
}

// Name returns the task name.
func (p *Paging) Name() string { return p.name }

// Site returns the task's site settings.
func (p *Paging) Site() *spider.Site { return p.site }

// TotalCount reports the number of items to partition into pages.
func (p *Paging) TotalCount(context.Context) (int64, error) {
	return p.total, nil
}

// GenerateRequests produces the single listing request for a page.
func (p *Paging) GenerateRequests(_ context.Context, page int) ([]*spider.Request, error) {
	return []*spider.Request{{
		URL:  fmt.Sprintf(p.pattern, page),
		Site: p.site,
	}}, nil
}
