package partition

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClaimNextPageIsExclusiveAcrossClaimers races several goroutines over
// a freshly seeded task and requires every page to be claimed exactly once.
// It needs a real database; set SPIDER_TEST_DSN to run it, e.g.
// SPIDER_TEST_DSN=postgres://localhost:5432/spider_test go test ./internal/partition/
func TestClaimNextPageIsExclusiveAcrossClaimers(t *testing.T) {
	dsn := os.Getenv("SPIDER_TEST_DSN")
	if dsn == "" {
		t.Skip("SPIDER_TEST_DSN not set")
	}

	ctx := context.Background()
	store, err := NewStore(ctx, StoreConfig{DSN: dsn, MaxConns: 16})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnsureSchema(ctx))

	taskName := fmt.Sprintf("claim-race-%d", time.Now().UnixNano())
	_, err = store.RegisterTask(ctx, taskName, "claim exclusivity check")
	require.NoError(t, err)

	pages, err := store.SeedPages(ctx, taskName, 5000, 100)
	require.NoError(t, err)
	require.Equal(t, 50, pages)

	var (
		mu      sync.Mutex
		claimed = make(map[int]int)
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				page, ok, err := store.ClaimNextPage(ctx, taskName)
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				claimed[page]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, pages)
	for page, count := range claimed {
		require.Equalf(t, 1, count, "page %d claimed %d times", page, count)
	}

	for page := range claimed {
		released, err := store.ReleaseRunningPage(ctx, taskName, page)
		require.NoError(t, err)
		require.True(t, released)
	}
}
