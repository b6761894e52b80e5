package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precatorios/precatorios-client/pkg/precatorio"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testPage(cursor string) precatorio.RawPage {
	return precatorio.RawPage{
		Columns: []string{"processo"},
		Rows:    [][]any{{"0001"}},
		Cursor:  precatorio.Cursor(cursor),
	}
}

func pageKey(cursor string) Key {
	return Key{Class: ClassPage, Entity: "e", Cursor: precatorio.Cursor(cursor), PageSize: 10}
}

func TestCache_PutGet(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()

	_, ok := c.Get(ctx, pageKey(""))
	assert.False(t, ok)

	c.Put(ctx, pageKey(""), testPage(`[[1]]`))

	got, ok := c.Get(ctx, pageKey(""))
	require.True(t, ok)
	assert.Equal(t, testPage(`[[1]]`), got)
}

func TestCache_LazyExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(Config{PageTTL: time.Minute, EntityTTL: time.Hour}, WithClock(clock.Now))
	ctx := context.Background()

	c.Put(ctx, pageKey(""), testPage(""))
	c.Put(ctx, Key{Class: ClassEntities}, testPage(""))
	assert.Equal(t, 2, c.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, c.Len(), "expired entries are not swept")

	_, ok := c.Get(ctx, pageKey(""))
	assert.False(t, ok, "page entry should have expired")
	assert.Equal(t, 1, c.Len(), "expired entry should be evicted on lookup")

	_, ok = c.Get(ctx, Key{Class: ClassEntities})
	assert.True(t, ok, "entity listing has a longer TTL")
}

func TestCache_DisabledTTL(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	c.Put(ctx, pageKey(""), testPage(""))
	_, ok := c.Get(ctx, pageKey(""))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetOrFetch(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()
	calls := 0
	fetch := func(ctx context.Context) (precatorio.RawPage, error) {
		calls++
		return testPage(""), nil
	}

	_, src, err := c.GetOrFetch(ctx, pageKey(""), fetch)
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, src)
	assert.False(t, src.Hit())

	_, src, err = c.GetOrFetch(ctx, pageKey(""), fetch)
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, src)
	assert.True(t, src.Hit())
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrFetch_ErrorNotCached(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()
	boom := errors.New("boom")

	_, _, err := c.GetOrFetch(ctx, pageKey(""), func(ctx context.Context) (precatorio.RawPage, error) {
		return precatorio.RawPage{}, boom
	})
	assert.ErrorIs(t, err, boom)

	_, src, err := c.GetOrFetch(ctx, pageKey(""), func(ctx context.Context) (precatorio.RawPage, error) {
		return testPage(""), nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, src)
}

func TestCache_GetOrFetch_Coalesces(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	fetch := func(ctx context.Context) (precatorio.RawPage, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return testPage(""), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	sources := make([]Source, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, sources[0], _ = c.GetOrFetch(ctx, pageKey(""), fetch)
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, sources[i], _ = c.GetOrFetch(ctx, pageKey(""), fetch)
		}(i)
	}

	// Give the waiters time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must share one fetch")
	upstream := 0
	for _, s := range sources {
		if s == SourceUpstream {
			upstream++
		}
	}
	assert.Equal(t, 1, upstream)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := pageKey(string(rune('a' + i%5)))
			c.Put(ctx, key, testPage(""))
			c.Get(ctx, key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, c.Len())
}

func TestCache_Purge(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()

	c.Put(ctx, pageKey(""), testPage(""))
	c.Put(ctx, pageKey(`[[2]]`), testPage(`[[2]]`))
	other := Key{Class: ClassPage, Entity: "other", PageSize: 10}
	c.Put(ctx, other, testPage(""))
	c.Put(ctx, Key{Class: ClassEntities}, testPage(""))

	removed, err := c.Purge(ctx, ClassPage, "e")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get(ctx, pageKey(""))
	assert.False(t, ok)
	_, ok = c.Get(ctx, other)
	assert.True(t, ok)
	_, ok = c.Get(ctx, Key{Class: ClassEntities})
	assert.True(t, ok)
}

func TestCache_GetOrFetch_LeaderCancelDoesNotFailWaiters(t *testing.T) {
	c := New(DefaultConfig())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (precatorio.RawPage, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return precatorio.RawPage{}, err
		}
		return testPage(""), nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFetch(leaderCtx, pageKey(""), fetch)
		leaderErr <- err
	}()
	<-started

	type result struct {
		src Source
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		_, src, err := c.GetOrFetch(context.Background(), pageKey(""), fetch)
		waiter <- result{src, err}
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	close(release)

	got := <-waiter
	require.NoError(t, got.err)
	assert.True(t, got.src.Hit(), "waiter should reuse the shared fetch, got %s", got.src)
	assert.NoError(t, <-leaderErr)
	assert.Equal(t, int32(1), calls.Load())
}
