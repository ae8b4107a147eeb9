package kvstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphweave/graphweave-engine/pkg/apperrors"
)

func TestMemoryStore_KeyValueAndSets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v"))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.SAdd(ctx, "members", "a", "b", "a"))
	members, err := s.SMembers(ctx, "members")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"a", "b"}, members)

	require.NoError(t, s.SRem(ctx, "members", "a"))
	members, err = s.SMembers(ctx, "members")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Bits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetBits(ctx, "filter", []int64{3, 17, 3}))

	got, err := s.GetBits(ctx, "filter", []int64{3, 4, 17})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, got)

	count, err := s.BitCount(ctx, "filter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, s.Delete(ctx, "filter"))
	count, err = s.BitCount(ctx, "filter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMemoryStore_LockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	lock, err := s.Lock(ctx, "job:reconcile", time.Minute, time.Second)
	require.NoError(t, err)

	_, err = s.Lock(ctx, "job:reconcile", time.Minute, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrLockNotAcquired))

	// A different key is unaffected by the held lock.
	other, err := s.Lock(ctx, "job:ingest", time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, lock.Unlock(ctx))
	reacquired, err := s.Lock(ctx, "job:reconcile", time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, reacquired.Unlock(ctx))
}

func TestMemoryStore_LockContention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := s.Lock(ctx, "shared", time.Minute, 5*time.Second)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			if err := lock.Unlock(ctx); err != nil {
				t.Errorf("unlock: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "lock admitted more than one holder at a time")
}

func TestMemoryStore_LockWaitHonorsContext(t *testing.T) {
	s := NewMemoryStore()

	lock, err := s.Lock(context.Background(), "held", time.Minute, time.Second)
	require.NoError(t, err)
	defer lock.Unlock(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err = s.Lock(ctx, "held", time.Minute, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
