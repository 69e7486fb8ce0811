package acdqueue

import (
	"context"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// RealtimeRow is the flat column->value representation of a queue or
// member row fetched from an external realtime backend.
type RealtimeRow map[string]string

// RealtimeSource looks up realtime queue/member rows. Consulted before the
// store lock is taken, so a slow backend never blocks unrelated queues.
type RealtimeSource interface {
	QueueRow(ctx context.Context, name string) (RealtimeRow, bool, error)
	MemberRows(ctx context.Context, name string) ([]RealtimeRow, error)
}

// StaticLoader parses a queue's static INI configuration into a Queue,
// applying it on top of any realtime row already present.
type StaticLoader interface {
	// Names returns the statically configured queue names; Apply applies
	// the named queue's settings to q.
	Names() []string
	Apply(name string, q *Queue) (ok bool)
}

// Store is the hash-indexed, refcounted collection of queues. Go's garbage
// collector provides the refcounting: a Queue stays alive as long as
// something holds a pointer to it; the store's own map entry is simply one
// such holder, removed by dead-queue cleanup.
type Store struct {
	mu     sync.RWMutex
	queues map[string]*Queue // keyed by strings.ToLower(name)

	ifaceIndex *InterfaceIndex
	realtime   RealtimeSource
	static     StaticLoader
	keepStats  bool
	anyWeighted bool // tracks whether any queue has weight>0

	log zerolog.Logger
}

// NewStore constructs an empty queue store. realtime may be nil if no
// realtime backend is configured.
func NewStore(ifaceIndex *InterfaceIndex, realtime RealtimeSource, log zerolog.Logger) *Store {
	return &Store{
		queues:     make(map[string]*Queue),
		ifaceIndex: ifaceIndex,
		realtime:   realtime,
		log:        log,
	}
}

// SetStatic installs the static config loader used by ReloadAll.
func (s *Store) SetStatic(loader StaticLoader, keepStats bool) {
	s.mu.Lock()
	s.static = loader
	s.keepStats = keepStats
	s.mu.Unlock()
}

func storeKey(name string) string { return strings.ToLower(name) }

// bucketHint returns a stable hash of the queue name, a sizing hint for a
// hashed-bucket layout. Go's builtin map does not need this for
// correctness; it is kept to size a future sharded-lock implementation the
// way a fixed ~53-bucket table would, without actually sharding today.
func bucketHint(name string, buckets int) int {
	if buckets <= 0 {
		buckets = 53
	}
	h := xxhash.Sum64String(storeKey(name))
	return int(h % uint64(buckets))
}

// Find returns a shared reference to the named queue, or nil.
func (s *Store) Find(name string) *Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues[storeKey(name)]
}

// All returns a snapshot of every live queue.
func (s *Store) All() []*Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q)
	}
	return out
}

// AnyWeighted reports whether any live queue has weight > 0. Dispatch uses
// this single atomic-ish check to decide whether the
// store+queue weight-aware path is needed at all.
func (s *Store) AnyWeighted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anyWeighted
}

func (s *Store) recomputeWeighted() {
	for _, q := range s.queues {
		q.mu.RLock()
		w := q.Weight
		q.mu.RUnlock()
		if w > 0 {
			s.anyWeighted = true
			return
		}
	}
	s.anyWeighted = false
}

// LoadOrReload returns the named queue, creating it from static config
// and/or the realtime backend if it does not already exist. Static
// configuration wins over a realtime row of the same name.
func (s *Store) LoadOrReload(ctx context.Context, name string) (*Queue, error) {
	// Consult realtime before taking the store lock.
	var row RealtimeRow
	var rtFound bool
	if s.realtime != nil {
		r, ok, err := s.realtime.QueueRow(ctx, name)
		if err != nil {
			// A lookup error is treated the same as "row deleted": a flaky
			// backend must not wedge the queue in a half-applied state.
			s.log.Warn().Err(err).Str("queue", name).Msg("realtime queue lookup failed, treating as absent")
		} else {
			row, rtFound = r, ok
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(name)
	if q, ok := s.queues[key]; ok {
		return q, nil
	}

	isStatic := s.static != nil && containsName(s.static.Names(), name)
	if !isStatic && !rtFound {
		return nil, nil
	}

	q := NewQueue(name)
	if rtFound {
		applyRealtimeQueueRow(q, row)
		q.Flags.Realtime = true
	}
	if isStatic {
		s.static.Apply(name, q) // static wins on conflict: applied last
		q.Flags.Realtime = false
	}

	s.queues[key] = q
	if q.Weight > 0 {
		s.anyWeighted = true
	}
	return q, nil
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if strings.EqualFold(n, want) {
			return true
		}
	}
	return false
}

// ReloadAllFlags controls ReloadAll behavior.
type ReloadAllFlags struct {
	KeepStats bool
}

// ReloadAll re-parses static config for every statically configured queue:
// every non-realtime queue is marked dead and every static member of a
// re-applied queue delme; surviving queues/members clear the mark; members
// still marked at the end are unlinked from the registry and interface
// index, and queues still marked dead are removed if they have no waiters.
// Realtime queues are left untouched. Statistics are preserved iff
// KeepStats is set.
func (s *Store) ReloadAll(ctx context.Context) error {
	s.mu.Lock()
	for _, q := range s.queues {
		q.mu.Lock()
		if !q.Flags.Realtime {
			q.Flags.Dead = true
			q.Flags.FoundDuringReload = false
		}
		q.mu.Unlock()
	}
	static := s.static
	keepStats := s.keepStats
	s.mu.Unlock()

	if static == nil {
		return nil
	}

	// Re-parse config and members outside the store lock.
	for _, name := range static.Names() {
		q := s.Find(name)
		if q == nil {
			nq, err := s.LoadOrReload(ctx, name)
			if err != nil {
				return err
			}
			q = nq
		}
		if q == nil {
			continue
		}

		q.mu.Lock()
		savedCounters := q.Counters
		q.mu.Unlock()
		q.members.markAllDeleteCandidates()

		static.Apply(name, q)

		q.mu.Lock()
		q.Flags.Dead = false
		q.Flags.FoundDuringReload = true
		if keepStats {
			q.Counters = savedCounters
		}
		q.mu.Unlock()
	}

	// Sweep: unlink queues still dead, and members still delme on survivors.
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, q := range s.queues {
		if q.Flags.Realtime {
			continue
		}
		q.mu.RLock()
		dead := q.Flags.Dead
		waiting := q.waitingCount
		q.mu.RUnlock()

		removed := q.members.sweepDelme()
		for _, m := range removed {
			if s.ifaceIndex != nil {
				s.ifaceIndex.Remove(m.Interface, name(q))
			}
		}

		if dead && waiting == 0 {
			delete(s.queues, key)
		}
	}
	s.recomputeWeighted()
	return nil
}

func name(q *Queue) string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.Name
}

// UnlinkIfDeadAndEmpty removes q from the store if it is dead with no
// waiters. Called after a Leave that may have emptied a dying queue.
func (s *Store) UnlinkIfDeadAndEmpty(q *Queue) {
	if !q.DeadAndEmpty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(q.Name)
	if cur, ok := s.queues[key]; ok && cur == q {
		delete(s.queues, key)
		s.recomputeWeighted()
	}
}

// MarkDeadIfRealtimeMissing marks a realtime queue dead when its backing
// row has disappeared, without removing it while it still has callers: a
// realtime queue with no row and no live callers is deleted at the next
// leave.
func (s *Store) MarkDeadIfRealtimeMissing(ctx context.Context, q *Queue) {
	if s.realtime == nil {
		return
	}
	row, ok, err := s.realtime.QueueRow(ctx, q.Name)
	if err != nil || !ok {
		q.mu.Lock()
		q.Flags.Dead = true
		q.mu.Unlock()
		if err != nil {
			s.log.Warn().Err(err).Str("queue", q.Name).Msg("realtime queue row unreadable, marking dead")
		}
		return
	}
	_ = row
}

func applyRealtimeQueueRow(q *Queue, row RealtimeRow) {
	if v, ok := row["strategy"]; ok {
		q.Strategy = ParseStrategy(v)
	}
	if v, ok := row["weight"]; ok {
		q.Weight = atoiDefault(v, 0)
	}
	if v, ok := row["maxlen"]; ok {
		q.MaxLen = atoiDefault(v, 0)
	}
	if v, ok := row["joinempty"]; ok {
		q.JoinEmptyPolicy = ParseEmptyPolicy(v)
	}
	if v, ok := row["leavewhenempty"]; ok {
		q.LeaveEmptyPolicy = ParseEmptyPolicy(v)
	}
}
