package sip

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-voice-connector/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateGetRemove(t *testing.T) {
	r := NewShardedRegistry(8)

	d, err := r.Create(DialogID{CallID: "c1", LocalTag: "t1", RemoteTag: "r1"})
	require.NoError(t, err)
	assert.Equal(t, StateTrying, d.State())
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.TagInUse("t1"))

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, d, got)

	removed, ok := r.Remove("c1")
	require.True(t, ok)
	assert.Same(t, d, removed)
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.TagInUse("t1"))

	_, ok = r.Get("c1")
	assert.False(t, ok)
	_, ok = r.Remove("c1")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewShardedRegistry(8)
	_, err := r.Create(DialogID{CallID: "c1", LocalTag: "t1"})
	require.NoError(t, err)

	_, err = r.Create(DialogID{CallID: "c1", LocalTag: "t2"})
	assert.True(t, errors.IsErrorType(err, errors.ErrAlreadyExists))

	_, err = r.Create(DialogID{CallID: "c2", LocalTag: "t1"})
	assert.True(t, errors.IsErrorType(err, errors.ErrTagInUse))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryInvalidShardCount(t *testing.T) {
	r := NewShardedRegistry(12)
	assert.Len(t, r.shards, 16)
}

func TestRegistryRange(t *testing.T) {
	r := NewShardedRegistry(4)
	for i := 0; i < 10; i++ {
		_, err := r.Create(DialogID{CallID: fmt.Sprintf("c%d", i), LocalTag: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}

	seen := 0
	r.Range(func(d *Dialog) bool {
		// Removing while ranging must not deadlock.
		r.Remove(d.ID.CallID)
		seen++
		return true
	})
	assert.Equal(t, 10, seen)
	assert.Equal(t, 0, r.Count())

	_, _ = r.Create(DialogID{CallID: "a", LocalTag: "a"})
	_, _ = r.Create(DialogID{CallID: "b", LocalTag: "b"})
	seen = 0
	r.Range(func(*Dialog) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestRegistryLockSerializesCallID(t *testing.T) {
	r := NewShardedRegistry(8)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("same")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	for _, s := range r.shards {
		assert.Empty(t, s.locks)
	}
}

func TestRegistryLockIndependentCallIDs(t *testing.T) {
	r := NewShardedRegistry(8)

	unlockA := r.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := r.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind lock on a")
	}
}

func TestRegistryUnlockIsIdempotent(t *testing.T) {
	r := NewShardedRegistry(8)
	unlock := r.Lock("a")
	unlock()
	unlock()

	unlock = r.Lock("a")
	unlock()
}
