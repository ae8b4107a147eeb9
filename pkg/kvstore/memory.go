package kvstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
)

// MemoryStore is an in-process Store for tests. Locks use real mutual
// exclusion so lock contention between goroutines is observable.
type MemoryStore struct {
	mu     sync.Mutex
	kv     map[string]string
	sets   map[string]map[string]struct{}
	bits   map[string]map[int64]bool
	locks  map[string]bool
	closed bool

	// LockHoldHook, when set, is invoked while a lock is held. Tests use it
	// to widen the contention window.
	LockHoldHook func()
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:    make(map[string]string),
		sets:  make(map[string]map[string]struct{}),
		bits:  make(map[string]map[int64]bool),
		locks: make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	delete(s.bits, key)
	delete(s.sets, key)
	return nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemoryStore) SetBits(ctx context.Context, key string, positions []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.bits[key]
	if !ok {
		bm = make(map[int64]bool)
		s.bits[key] = bm
	}
	for _, pos := range positions {
		bm[pos] = true
	}
	return nil
}

func (s *MemoryStore) GetBits(ctx context.Context, key string, positions []int64) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm := s.bits[key]
	out := make([]bool, len(positions))
	for i, pos := range positions {
		out[i] = bm[pos]
	}
	return out, nil
}

func (s *MemoryStore) BitCount(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.bits[key])), nil
}

func (s *MemoryStore) Lock(ctx context.Context, key string, ttl, waitTimeout time.Duration) (Unlocker, error) {
	deadline := time.Now().Add(waitTimeout)
	for {
		s.mu.Lock()
		if !s.locks[key] {
			s.locks[key] = true
			hook := s.LockHoldHook
			s.mu.Unlock()
			if hook != nil {
				hook()
			}
			return &memoryLock{store: s, key: key}, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, apperrors.ErrLockNotAcquired)
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryLock struct {
	store *MemoryStore
	key   string
}

func (l *memoryLock) Unlock(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.locks[l.key] = false
	return nil
}
