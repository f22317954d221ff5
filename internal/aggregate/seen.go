package aggregate

import (
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/trustlens/trustlens/pkg/types"
)

const defaultSeenShards = 64

// seenEntry tracks one event id. done is closed once the owning record
// either commits or releases the claim.
type seenEntry struct {
	done      chan struct{}
	committed bool
}

type seenShard struct {
	mu  sync.Mutex
	ids map[types.EventID]*seenEntry
}

// seenSet is the already-seen check keyed by event id, sharded by the
// murmur3 hash of the id.
type seenSet struct {
	shards []*seenShard
}

func newSeenSet(shards int) *seenSet {
	if shards <= 0 {
		shards = defaultSeenShards
	}
	s := &seenSet{shards: make([]*seenShard, shards)}
	for i := range s.shards {
		s.shards[i] = &seenShard{ids: make(map[types.EventID]*seenEntry)}
	}
	return s
}

func (s *seenSet) shard(id types.EventID) *seenShard {
	h := murmur3.Sum32([]byte(id))
	return s.shards[h%uint32(len(s.shards))]
}

// claim registers id as in flight. owner is true when the caller now owns
// the claim; otherwise entry belongs to another record (pending or done).
func (s *seenSet) claim(id types.EventID) (entry *seenEntry, owner bool) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.ids[id]; ok {
		return e, false
	}
	e := &seenEntry{done: make(chan struct{})}
	sh.ids[id] = e
	return e, true
}

// commit marks the claim as counted.
func (s *seenSet) commit(id types.EventID, e *seenEntry) {
	sh := s.shard(id)
	sh.mu.Lock()
	e.committed = true
	sh.mu.Unlock()
	close(e.done)
}

// release drops a failed claim so the id can be recorded again.
func (s *seenSet) release(id types.EventID, e *seenEntry) {
	sh := s.shard(id)
	sh.mu.Lock()
	if sh.ids[id] == e {
		delete(sh.ids, id)
	}
	sh.mu.Unlock()
	close(e.done)
}

// contains reports whether id has been committed.
func (s *seenSet) contains(id types.EventID) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.ids[id]
	return ok && e.committed
}

// committedIDs returns every committed id, sorted.
func (s *seenSet) committedIDs() []types.EventID {
	var ids []types.EventID
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.ids {
			if e.committed {
				ids = append(ids, id)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// reset replaces the set with the given committed ids.
func (s *seenSet) reset(ids []types.EventID) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.ids = make(map[types.EventID]*seenEntry)
		sh.mu.Unlock()
	}
	closed := make(chan struct{})
	close(closed)
	for _, id := range ids {
		sh := s.shard(id)
		sh.mu.Lock()
		sh.ids[id] = &seenEntry{done: closed, committed: true}
		sh.mu.Unlock()
	}
}

func (s *seenSet) len() int {
	var n int
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.ids)
		sh.mu.Unlock()
	}
	return n
}
