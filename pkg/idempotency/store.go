package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record is a stored outcome for an idempotency key.
type Record struct {
	Key         string            `json:"key" bson:"_id"`
	PayloadHash string            `json:"payload_hash" bson:"payload_hash"`
	StatusCode  int               `json:"status_code" bson:"status_code"`
	Body        []byte            `json:"body" bson:"body"`
	Headers     map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at" bson:"expires_at"`
}

// Expired reports whether the record is no longer retrievable at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists records. Get returns nil, nil for an absent key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps records in process memory. Expired records are evicted
// when they are next read or by Purge.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// WithClock overrides the clock used for expiry.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if rec.Expired(s.now()) {
		delete(s.records, key)
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	cp := *rec
	s.mu.Lock()
	s.records[rec.Key] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Purge removes every expired record and returns how many were removed.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			n++
		}
	}
	return n
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
