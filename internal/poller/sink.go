package poller

import (
	"context"
	"sync"
)

// MemorySink keeps the latest status per track id in process memory
type MemorySink struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{statuses: make(map[string]Status)}
}

func (s *MemorySink) SaveStatus(_ context.Context, st *Status) error {
	s.mu.Lock()
	s.statuses[st.TrackID] = *st
	s.mu.Unlock()
	return nil
}

// GetStatus returns the latest status for trackID, or nil if none was seen
func (s *MemorySink) GetStatus(_ context.Context, trackID string) (*Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[trackID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}
