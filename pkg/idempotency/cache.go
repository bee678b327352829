package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a stored outcome stays retrievable.
const DefaultTTL = 24 * time.Hour

var errLeaderAborted = errors.New("idempotency: leading call aborted")

// ErrConflict classifies reuse of a key with a different payload
var ErrConflict = errors.New("idempotency key reused with a different payload")

// ConflictError is returned when a key is presented with a payload hash
// other than the one it was first used with.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConflict, e.Key)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HashPayload returns the hex SHA-256 of payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Options configures a Cache
type Options struct {
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

type call struct {
	hash string
	done chan struct{}
	rec  *Record
	err  error
}

// Cache maps idempotency keys to stored outcomes and coalesces concurrent
// work for the same key.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*call
}

// NewCache creates a cache over store
func NewCache(store Store, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:    store,
		ttl:      opts.TTL,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "idempotency"),
		inflight: make(map[string]*call),
	}
}

// Get returns the unexpired record for key, or nil when there is none.
// A record stored under a different payload hash yields *ConflictError.
func (c *Cache) Get(ctx context.Context, key, hash string) (*Record, error) {
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading idempotency record: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Expired(c.now()) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to evict expired record", "key", key, "error", err)
		}
		return nil, nil
	}
	if rec.PayloadHash != hash {
		lookups.WithLabelValues("conflict").Inc()
		return nil, &ConflictError{Key: key}
	}
	return rec, nil
}

// Put stores an outcome for key with the cache's TTL.
func (c *Cache) Put(ctx context.Context, key, hash string, status int, body []byte, headers map[string]string) (*Record, error) {
	rec := &Record{
		Key:         key,
		PayloadHash: hash,
		StatusCode:  status,
		Body:        body,
		Headers:     headers,
		ExpiresAt:   c.now().Add(c.ttl),
	}
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing idempotency record: %w", err)
	}
	return rec, nil
}

// Do returns the stored outcome for key or runs fn to produce one. The
// boolean reports whether the outcome was replayed rather than produced by
// this call. Concurrent calls for the same key wait for the running call
// and observe its outcome. When fn fails nothing is stored and the next
// waiter runs fn itself.
func (c *Cache) Do(ctx context.Context, key, hash string, fn func(ctx context.Context) (*Record, error)) (*Record, bool, error) {
	for {
		rec, err := c.Get(ctx, key, hash)
		if err != nil {
			return nil, false, err
		}
		if rec != nil {
			lookups.WithLabelValues("hit").Inc()
			return rec, true, nil
		}

		c.mu.Lock()
		if running, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			if running.hash != hash {
				lookups.WithLabelValues("conflict").Inc()
				return nil, false, &ConflictError{Key: key}
			}
			select {
			case <-running.done:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			if running.err == nil {
				lookups.WithLabelValues("coalesced").Inc()
				return running.rec, true, nil
			}
			continue
		}
		own := &call{hash: hash, done: make(chan struct{})}
		c.inflight[key] = own
		c.mu.Unlock()

		return c.run(ctx, key, hash, own, fn)
	}
}

// run leads the call registered as own and always releases its waiters.
// If fn panics they see errLeaderAborted and one of them takes over.
func (c *Cache) run(ctx context.Context, key, hash string, own *call, fn func(ctx context.Context) (*Record, error)) (rec *Record, replayed bool, err error) {
	finished := false
	defer func() {
		if !finished {
			own.err = errLeaderAborted
		}
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(own.done)
	}()

	rec, replayed, err = c.lead(ctx, key, hash, fn)
	own.rec, own.err = rec, err
	finished = true
	return rec, replayed, err
}

func (c *Cache) lead(ctx context.Context, key, hash string, fn func(ctx context.Context) (*Record, error)) (*Record, bool, error) {
	// a previous leader may have stored its outcome after our first lookup
	if rec, err := c.Get(ctx, key, hash); err != nil || rec != nil {
		if rec != nil {
			lookups.WithLabelValues("hit").Inc()
		}
		return rec, rec != nil, err
	}

	lookups.WithLabelValues("miss").Inc()
	out, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}

	rec, err := c.Put(ctx, key, hash, out.StatusCode, out.Body, out.Headers)
	if err != nil {
		// the outcome was produced, so it is still returned to the caller
		c.logger.Warn("failed to store outcome", "key", key, "error", err)
		out.Key, out.PayloadHash = key, hash
		return out, false, nil
	}
	return rec, false, nil
}
