package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/skein-dev/skein/errors"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryStore is an in-process progress store for tests and single-node
// deployments that run without Redis. Expired entries are dropped lazily on
// read.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]memoryEntry
	progressTTL time.Duration
	resultTTL   time.Duration
}

// NewMemoryStore creates an in-memory progress store
func NewMemoryStore(progressTTL, resultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]memoryEntry),
		progressTTL: progressTTL,
		resultTTL:   resultTTL,
	}
}

func (s *MemoryStore) set(key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal cache entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{data: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) get(key string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

func (s *MemoryStore) SetProgress(_ context.Context, jobID string, current, total int, message string) error {
	return s.set(progressKey(jobID), newProgress(current, total, message), s.progressTTL)
}

func (s *MemoryStore) GetProgress(_ context.Context, jobID string) (Progress, bool, error) {
	data, ok := s.get(progressKey(jobID))
	if !ok {
		return Progress{}, false, nil
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, false, errors.Wrap(err, "unmarshal progress")
	}
	return p, true, nil
}

func (s *MemoryStore) SetResult(_ context.Context, jobID string, result interface{}) error {
	return s.set(resultKey(jobID), result, s.resultTTL)
}

func (s *MemoryStore) GetResult(_ context.Context, jobID string, out interface{}) (bool, error) {
	data, ok := s.get(resultKey(jobID))
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.Wrap(err, "unmarshal result")
	}
	return true, nil
}

func (s *MemoryStore) DeleteAll(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, progressKey(jobID))
	delete(s.entries, resultKey(jobID))
	return nil
}
