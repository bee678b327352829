package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache() (*Cache, *MemoryStore, *clock) {
	clk := &clock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore().WithClock(clk.Now)
	return NewCache(store, Options{Now: clk.Now}), store, clk
}

func TestCache_PutAndGet(t *testing.T) {
	cache, _, clk := newTestCache()
	ctx := context.Background()
	hash := HashPayload([]byte("<ECF/>"))

	rec, err := cache.Get(ctx, "k1", hash)
	require.NoError(t, err)
	assert.Nil(t, rec)

	stored, err := cache.Put(ctx, "k1", hash, 200, []byte(`{"trackId":"T1"}`), map[string]string{"Content-Type": "application/json"})
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(DefaultTTL), stored.ExpiresAt)

	rec, err = cache.Get(ctx, "k1", hash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, `{"trackId":"T1"}`, string(rec.Body))
	assert.Equal(t, "application/json", rec.Headers["Content-Type"])
}

func TestCache_Conflict(t *testing.T) {
	cache, _, _ := newTestCache()
	ctx := context.Background()

	_, err := cache.Put(ctx, "k1", HashPayload([]byte("a")), 200, nil, nil)
	require.NoError(t, err)

	_, err = cache.Get(ctx, "k1", HashPayload([]byte("b")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	var cerr *ConflictError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "k1", cerr.Key)
}

func TestCache_Expiry(t *testing.T) {
	cache, store, clk := newTestCache()
	ctx := context.Background()
	hash := HashPayload([]byte("a"))

	_, err := cache.Put(ctx, "k1", hash, 200, nil, nil)
	require.NoError(t, err)

	clk.Advance(DefaultTTL - time.Second)
	rec, err := cache.Get(ctx, "k1", hash)
	require.NoError(t, err)
	assert.NotNil(t, rec)

	clk.Advance(time.Second)
	rec, err = cache.Get(ctx, "k1", hash)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, store.Len())

	// an expired key may be reused with another payload
	_, err = cache.Put(ctx, "k1", HashPayload([]byte("b")), 200, nil, nil)
	require.NoError(t, err)
	_, err = cache.Get(ctx, "k1", HashPayload([]byte("b")))
	assert.NoError(t, err)
}

func TestCache_DoStoresAndReplays(t *testing.T) {
	cache, _, _ := newTestCache()
	ctx := context.Background()
	hash := HashPayload([]byte("a"))

	var calls atomic.Int32
	fn := func(context.Context) (*Record, error) {
		calls.Add(1)
		return &Record{StatusCode: 201, Body: []byte("done")}, nil
	}

	rec, replayed, err := cache.Do(ctx, "k1", hash, fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, rec.StatusCode)
	assert.Equal(t, "k1", rec.Key)
	assert.Equal(t, hash, rec.PayloadHash)

	rec, replayed, err = cache.Do(ctx, "k1", hash, fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "done", string(rec.Body))
	assert.Equal(t, int32(1), calls.Load())

	_, _, err = cache.Do(ctx, "k1", HashPayload([]byte("b")), fn)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_DoFailureStoresNothing(t *testing.T) {
	cache, store, _ := newTestCache()
	ctx := context.Background()
	hash := HashPayload([]byte("a"))

	boom := errors.New("upstream down")
	_, _, err := cache.Do(ctx, "k1", hash, func(context.Context) (*Record, error) {
		return nil, boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 0, store.Len())

	rec, replayed, err := cache.Do(ctx, "k1", hash, func(context.Context) (*Record, error) {
		return &Record{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 200, rec.StatusCode)
}

func TestCache_DoCoalescesConcurrentCalls(t *testing.T) {
	cache, _, _ := newTestCache()
	hash := HashPayload([]byte("a"))

	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (*Record, error) {
		calls.Add(1)
		<-release
		return &Record{StatusCode: 200, Body: []byte("T1")}, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*Record, callers)
	replays := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, replayed, err := cache.Do(context.Background(), "k1", hash, fn)
			assert.NoError(t, err)
			results[i], replays[i] = rec, replayed
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	fresh := 0
	for i := 0; i < callers; i++ {
		require.NotNil(t, results[i])
		assert.Equal(t, "T1", string(results[i].Body))
		if !replays[i] {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestCache_DoWaiterTakesOverAfterFailure(t *testing.T) {
	cache, _, _ := newTestCache()
	hash := HashPayload([]byte("a"))

	started := make(chan struct{})
	release := make(chan struct{})
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		_, _, err := cache.Do(context.Background(), "k1", hash, func(context.Context) (*Record, error) {
			close(started)
			<-release
			return nil, errors.New("cancelled")
		})
		assert.Error(t, err)
	}()
	<-started

	waiterDone := make(chan struct{})
	var rec *Record
	var replayed bool
	go func() {
		defer close(waiterDone)
		var err error
		rec, replayed, err = cache.Do(context.Background(), "k1", hash, func(context.Context) (*Record, error) {
			return &Record{StatusCode: 200, Body: []byte("second")}, nil
		})
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-leaderDone
	<-waiterDone

	require.NotNil(t, rec)
	assert.False(t, replayed)
	assert.Equal(t, "second", string(rec.Body))
}

func TestCache_DoInFlightConflict(t *testing.T) {
	cache, _, _ := newTestCache()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.Do(context.Background(), "k1", HashPayload([]byte("a")), func(context.Context) (*Record, error) {
			close(started)
			<-release
			return &Record{StatusCode: 200}, nil
		})
	}()
	<-started

	_, _, err := cache.Do(context.Background(), "k1", HashPayload([]byte("b")), func(context.Context) (*Record, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	assert.True(t, errors.Is(err, ErrConflict))

	close(release)
	<-done
}

func TestCache_DoWaiterCancelled(t *testing.T) {
	cache, _, _ := newTestCache()
	hash := HashPayload([]byte("a"))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.Do(context.Background(), "k1", hash, func(context.Context) (*Record, error) {
			close(started)
			<-release
			return &Record{StatusCode: 200}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := cache.Do(ctx, "k1", hash, func(context.Context) (*Record, error) {
		return &Record{}, nil
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	<-done
}

func TestMemoryStore_Purge(t *testing.T) {
	clk := &clock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore().WithClock(clk.Now)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{Key: "old", ExpiresAt: clk.Now().Add(time.Minute)}))
	require.NoError(t, store.Put(ctx, &Record{Key: "new", ExpiresAt: clk.Now().Add(time.Hour)}))

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.Purge())
	assert.Equal(t, 1, store.Len())

	rec, err := store.Get(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	require.NoError(t, store.Delete(ctx, "new"))
	rec, err = store.Get(ctx, "new")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestHashPayload(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashPayload(nil))
	assert.NotEqual(t, HashPayload([]byte("a")), HashPayload([]byte("b")))
}

func TestCache_DoWaiterTakesOverAfterPanic(t *testing.T) {
	cache, _, _ := newTestCache()
	hash := HashPayload([]byte("a"))

	started := make(chan struct{})
	release := make(chan struct{})
	leaderDone := make(chan interface{}, 1)
	go func() {
		defer func() { leaderDone <- recover() }()
		cache.Do(context.Background(), "k1", hash, func(context.Context) (*Record, error) {
			close(started)
			<-release
			panic("signer exploded")
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	waiterDone := make(chan struct{})
	var rec *Record
	var replayed bool
	var werr error
	go func() {
		defer close(waiterDone)
		rec, replayed, werr = cache.Do(ctx, "k1", hash, func(context.Context) (*Record, error) {
			return &Record{StatusCode: 200, Body: []byte("second")}, nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	assert.Equal(t, "signer exploded", <-leaderDone)
	<-waiterDone

	require.NoError(t, werr)
	require.NotNil(t, rec)
	assert.False(t, replayed)
	assert.Equal(t, "second", string(rec.Body))

	again, replayed, err := cache.Do(ctx, "k1", hash, func(context.Context) (*Record, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "second", string(again.Body))
}

func TestCache_DoReleasesKeyAfterPanic(t *testing.T) {
	cache, _, _ := newTestCache()
	hash := HashPayload([]byte("a"))

	assert.Panics(t, func() {
		cache.Do(context.Background(), "k1", hash, func(context.Context) (*Record, error) {
			panic("boom")
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, replayed, err := cache.Do(ctx, "k1", hash, func(context.Context) (*Record, error) {
		return &Record{StatusCode: 201, Body: []byte("ok")}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 201, rec.StatusCode)
}
