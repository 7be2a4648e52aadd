package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spiderframe/spiderframe/internal/spider"
)

func TestPushPollOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Push(&spider.Request{URL: "https://example.com/a"})
	q.Push(&spider.Request{URL: "https://example.com/b"})

	require.Equal(t, "https://example.com/a", q.Poll().URL)
	require.Equal(t, "https://example.com/b", q.Poll().URL)
	require.Nil(t, q.Poll())
}

func TestPushDropsDuplicates(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Push(&spider.Request{URL: "https://example.com/a"})
	q.Push(&spider.Request{URL: "https://example.com/a"})

	require.Equal(t, 1, q.Len())
	require.Equal(t, int64(1), q.Duplicates())
}

func TestDedupKeyIncludesMethodAndBody(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Push(&spider.Request{URL: "https://example.com/a"})
	q.Push(&spider.Request{URL: "https://example.com/a", Method: "POST", PostBody: "x=1"})
	q.Push(&spider.Request{URL: "https://example.com/a", Method: "POST", PostBody: "x=2"})

	require.Equal(t, 3, q.Len())
}

func TestCycleRetriedRequestBypassesDedup(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Push(&spider.Request{URL: "https://example.com/a"})
	require.NotNil(t, q.Poll())

	q.Push(&spider.Request{URL: "https://example.com/a", CycleTriedTimes: 1})
	require.Equal(t, 1, q.Len())
}
