package sip

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/metrics"
)

// Registry stores live dialogs keyed by Call-ID and linearizes work per
// Call-ID.
type Registry interface {
	Get(callID string) (*Dialog, bool)

	// Create registers a new dialog in TRYING. It fails with
	// errors.ErrAlreadyExists when the Call-ID is taken and errors.ErrTagInUse
	// when another live dialog owns the local tag.
	Create(id DialogID) (*Dialog, error)

	Remove(callID string) (*Dialog, bool)

	// Lock blocks until the caller holds callID exclusively. Other Call-IDs
	// are unaffected.
	Lock(callID string) (unlock func())

	TagInUse(tag string) bool
	Count() int

	// Range calls fn for each dialog until fn returns false. No registry
	// locks are held while fn runs.
	Range(fn func(*Dialog) bool)
}

// ShardedRegistry spreads dialogs over power-of-two shards to reduce lock
// contention between connections.
type ShardedRegistry struct {
	shards    []*registryShard
	shardMask uint32
	count     atomic.Int64

	tagsMu sync.Mutex
	tags   map[string]string
}

type registryShard struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewShardedRegistry creates a registry. shardCount must be a power of two;
// other values fall back to 16.
func NewShardedRegistry(shardCount int) *ShardedRegistry {
	if shardCount <= 0 || (shardCount&(shardCount-1)) != 0 {
		shardCount = 16
	}

	r := &ShardedRegistry{
		shards:    make([]*registryShard, shardCount),
		shardMask: uint32(shardCount - 1),
		tags:      make(map[string]string),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			dialogs: make(map[string]*Dialog),
			locks:   make(map[string]*keyLock),
		}
	}
	return r
}

func (r *ShardedRegistry) shard(key string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()&r.shardMask]
}

func (r *ShardedRegistry) Get(callID string) (*Dialog, bool) {
	s := r.shard(callID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dialogs[callID]
	return d, ok
}

func (r *ShardedRegistry) Create(id DialogID) (*Dialog, error) {
	s := r.shard(id.CallID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dialogs[id.CallID]; exists {
		return nil, errors.Wrap(errors.ErrAlreadyExists, "dialog "+id.CallID)
	}

	r.tagsMu.Lock()
	if _, taken := r.tags[id.LocalTag]; taken {
		r.tagsMu.Unlock()
		return nil, errors.Wrap(errors.ErrTagInUse, id.LocalTag)
	}
	r.tags[id.LocalTag] = id.CallID
	r.tagsMu.Unlock()

	d := newDialog(id)
	s.dialogs[id.CallID] = d
	metrics.SetDialogsActive(int(r.count.Add(1)))
	return d, nil
}

func (r *ShardedRegistry) Remove(callID string) (*Dialog, bool) {
	s := r.shard(callID)
	s.mu.Lock()
	d, ok := s.dialogs[callID]
	if ok {
		delete(s.dialogs, callID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, false
	}

	r.tagsMu.Lock()
	if r.tags[d.ID.LocalTag] == callID {
		delete(r.tags, d.ID.LocalTag)
	}
	r.tagsMu.Unlock()

	metrics.SetDialogsActive(int(r.count.Add(-1)))
	return d, true
}

func (r *ShardedRegistry) Lock(callID string) func() {
	s := r.shard(callID)

	s.mu.Lock()
	kl, ok := s.locks[callID]
	if !ok {
		kl = &keyLock{}
		s.locks[callID] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()

			s.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(s.locks, callID)
			}
			s.mu.Unlock()
		})
	}
}

func (r *ShardedRegistry) TagInUse(tag string) bool {
	r.tagsMu.Lock()
	defer r.tagsMu.Unlock()
	_, ok := r.tags[tag]
	return ok
}

func (r *ShardedRegistry) Count() int {
	return int(r.count.Load())
}

func (r *ShardedRegistry) Range(fn func(*Dialog) bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		dialogs := make([]*Dialog, 0, len(s.dialogs))
		for _, d := range s.dialogs {
			dialogs = append(dialogs, d)
		}
		s.mu.RUnlock()

		for _, d := range dialogs {
			if !fn(d) {
				return
			}
		}
	}
}
