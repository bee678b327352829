package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ecf/pkg/idempotency"
)

// newTestStore connects to the Redis named by ECF_TEST_REDIS_ADDR and
// isolates the test under a unique prefix.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("ECF_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ECF_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewStore(ctx, &Config{Address: addr, KeyPrefix: "ecf-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &idempotency.Record{
		Key:         "K1",
		PayloadHash: idempotency.HashPayload([]byte("<ECF/>")),
		StatusCode:  202,
		Body:        []byte(`{"trackId":"T-1","estado":"EN_PROCESO"}`),
		Headers:     map[string]string{"Content-Type": "application/json"},
		ExpiresAt:   time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "K1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.PayloadHash, got.PayloadHash)
	assert.Equal(t, rec.Body, got.Body)
	assert.Equal(t, rec.Headers, got.Headers)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	ttl, err := s.client.TTL(ctx, s.prefix+"K1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, s.Delete(ctx, "K1"))
	got, err = s.Get(ctx, "K1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Miss(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_ExpiredNotWritten(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &idempotency.Record{Key: "old", ExpiresAt: time.Now().Add(-time.Second)}))
	n, err := s.client.Exists(ctx, s.prefix+"old").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_WithCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cache := idempotency.NewCache(s, idempotency.Options{TTL: time.Minute})

	hash := idempotency.HashPayload([]byte("<ECF/>"))
	_, err := cache.Put(ctx, "K2", hash, 202, []byte("ok"), nil)
	require.NoError(t, err)

	rec, err := cache.Get(ctx, "K2", hash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("ok"), rec.Body)

	_, err = cache.Get(ctx, "K2", idempotency.HashPayload([]byte("<RFCE/>")))
	assert.ErrorIs(t, err, idempotency.ErrConflict)
}
