package acdqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/acd-engine/internal/persist"
	"github.com/snarg/acd-engine/internal/transport"
)

// MemberOpResult enumerates the External-call API's membership-mutation
// outcomes.
type MemberOpResult string

const (
	OpOk       MemberOpResult = "Ok"
	OpExists   MemberOpResult = "Exists"
	OpNoQueue  MemberOpResult = "NoQueue"
	OpOOM      MemberOpResult = "OOM"
	OpNotThere MemberOpResult = "NotThere"
)

// API is the External-call surface: the dialplan application
// layer and the management HTTP surface both call through here so that
// membership mutation, persistence, and event emission stay atomic together.
type API struct {
	store     *Store
	index     *InterfaceIndex
	events    *EventEmitter
	qlog      *QueueLogger
	persist   *persist.Store
	lifecycle *Lifecycle
	log       zerolog.Logger
}

// NewAPI constructs an API bound to its collaborators. persistStore may be
// nil if persistence is disabled.
func NewAPI(store *Store, index *InterfaceIndex, events *EventEmitter, qlog *QueueLogger, persistStore *persist.Store, log zerolog.Logger) *API {
	return &API{store: store, index: index, events: events, qlog: qlog, persist: persistStore, log: log}
}

// AddMember implements add_member. dump suppresses the persistence
// write-back, used during startup replay of previously persisted members.
func (a *API) AddMember(ctx context.Context, queue, iface, name string, penalty int, paused bool, persistChange, dump bool) MemberOpResult {
	q := a.store.Find(queue)
	if q == nil {
		return OpNoQueue
	}

	m := NewMember(iface, name, penalty)
	m.Dynamic = true
	m.SetPaused(paused, "")
	if !q.Members().Insert(m) {
		return OpExists
	}
	if a.index != nil {
		a.index.Add(iface, q.Name)
	}

	a.events.Publish(Event{Type: EventQueueMemberAdded, Queue: q.Name, Interface: iface})
	if a.qlog != nil {
		a.qlog.Log(q.Name, "", iface, LogAddMember, name, strconv.Itoa(penalty))
	}
	if persistChange && !dump {
		a.savePersisted(ctx, q)
	}
	return OpOk
}

// RemoveMember implements remove_member.
func (a *API) RemoveMember(ctx context.Context, queue, iface string) MemberOpResult {
	q := a.store.Find(queue)
	if q == nil {
		return OpNoQueue
	}
	m := q.Members().Unlink(iface)
	if m == nil {
		return OpNotThere
	}
	if a.index != nil {
		a.index.Remove(iface, q.Name)
	}

	a.events.Publish(Event{Type: EventQueueMemberRemoved, Queue: q.Name, Interface: iface})
	if a.qlog != nil {
		a.qlog.Log(q.Name, "", iface, LogRemoveMember)
	}
	if m.Dynamic {
		a.savePersisted(ctx, q)
	}
	return OpOk
}

// SetPaused implements set_paused. An empty queue name
// applies to every queue the interface is a member of (queue_or_all), and
// returns the number of memberships updated.
func (a *API) SetPaused(ctx context.Context, queueOrAll, iface, reason string, paused bool) int {
	var queues []*Queue
	if queueOrAll == "" {
		if a.index == nil {
			return 0
		}
		for _, name := range a.index.QueuesFor(iface) {
			if q := a.store.Find(name); q != nil {
				queues = append(queues, q)
			}
		}
	} else if q := a.store.Find(queueOrAll); q != nil {
		queues = append(queues, q)
	}

	count := 0
	for _, q := range queues {
		m := q.Members().Lookup(iface)
		if m == nil {
			continue
		}
		m.SetPaused(paused, reason)
		count++

		logEvent := LogPause
		pausedField := "1"
		if !paused {
			logEvent = LogUnpause
			pausedField = "0"
		}
		a.events.Publish(Event{Type: EventQueueMemberPaused, Queue: q.Name, Interface: iface, Fields: map[string]string{"reason": reason, "paused": pausedField}})
		if a.qlog != nil {
			a.qlog.Log(q.Name, "", iface, logEvent, reason)
		}
		if m.Dynamic {
			a.savePersisted(ctx, q)
		}
	}
	return count
}

// SetLifecycle attaches the entry-lifecycle driver that Queue uses. Kept as
// a post-construction setter rather than a NewAPI parameter because the
// Lifecycle is built from a Dispatcher that itself takes the API's own
// store, after API already exists in the composition root.
func (a *API) SetLifecycle(l *Lifecycle) {
	a.lifecycle = l
}

// Queue implements the Queue dialplan application entry point: it joins e
// to queueName and drives it through the full JOINING/WAITING/DISPATCHING
// lifecycle (4.G) until a terminal exit, returning the same QUEUESTATUS a
// dialplan invocation would see. caller may be nil for callers with no
// DTMF/hangup-watch leg, e.g. the HTTP demo surface. Reports ok=false if no
// Lifecycle has been attached or the named queue does not exist.
func (a *API) Queue(ctx context.Context, queueName string, e *Entry, caller transport.CallerChannel) (result LifecycleResult, ok bool) {
	if a.lifecycle == nil {
		return LifecycleResult{}, false
	}
	q := a.store.Find(queueName)
	if q == nil {
		return LifecycleResult{}, false
	}
	e.QueueName = q.Name
	return a.lifecycle.Run(ctx, q, e, caller), true
}

// QueueLog implements queue_log passthrough for external
// callers that want to write a compatibility log line directly.
func (a *API) QueueLog(queue, uniqueID, agent string, event QueueLogEvent, params ...string) {
	if a.qlog != nil {
		a.qlog.Log(queue, uniqueID, agent, event, params...)
	}
}

// WaitingCount implements waiting_count query.
func (a *API) WaitingCount(queue string) (int, bool) {
	q := a.store.Find(queue)
	if q == nil {
		return 0, false
	}
	return q.WaitingCount(), true
}

// MemberCountAvailable implements member_count_available
// query: members in Not-in-use/Unknown and not paused.
func (a *API) MemberCountAvailable(queue string) (int, bool) {
	q := a.store.Find(queue)
	if q == nil {
		return 0, false
	}
	count := 0
	for _, m := range q.Members().Snapshot() {
		snap := m.Snapshot()
		if !snap.Paused && (snap.State == DeviceNotInUse || snap.State == DeviceUnknown) {
			count++
		}
	}
	return count, true
}

// MemberList implements member_list query.
func (a *API) MemberList(queue string) ([]MemberSnapshot, bool) {
	q := a.store.Find(queue)
	if q == nil {
		return nil, false
	}
	members := q.Members().Snapshot()
	out := make([]MemberSnapshot, 0, len(members))
	for _, m := range members {
		out = append(out, m.Snapshot())
	}
	return out, true
}

// EntrySnapshot is a read-only view of one waiting entry for the
// variables_snapshot query.
type EntrySnapshot struct {
	ChannelID  string
	Position   int
	Priority   int
	WaitedSecs int
	Digits     string
}

// VariablesSnapshot implements variables_snapshot query,
// returning the channel-variable-equivalent view of every waiting entry.
func (a *API) VariablesSnapshot(queue string) ([]EntrySnapshot, bool) {
	q := a.store.Find(queue)
	if q == nil {
		return nil, false
	}
	entries := q.EntriesSnapshot()
	out := make([]EntrySnapshot, 0, len(entries))
	now := time.Now()
	for _, e := range entries {
		out = append(out, EntrySnapshot{
			ChannelID:  e.ChannelID,
			Position:   e.Position,
			Priority:   e.Priority,
			WaitedSecs: int(e.Waited(now).Seconds()),
			Digits:     e.Digits,
		})
	}
	return out, true
}

// savePersisted rebuilds and writes q's dynamic-member record. Errors are
// logged, not returned: a persistence hiccup must not fail the synchronous
// membership mutation that triggered it.
func (a *API) savePersisted(ctx context.Context, q *Queue) {
	if a.persist == nil {
		return
	}
	var records []persist.Record
	for _, m := range q.Members().Snapshot() {
		if !m.Dynamic {
			continue
		}
		snap := m.Snapshot()
		records = append(records, persist.Record{
			Interface: snap.Interface,
			Penalty:   snap.Penalty,
			Paused:    snap.Paused,
			Name:      snap.Name,
		})
	}
	if err := a.persist.Save(ctx, q.Name, records); err != nil {
		a.log.Warn().Err(err).Str("queue", q.Name).Msg("failed to persist dynamic members")
	}
}

// ReplayPersisted re-applies every persisted dynamic-member record via
// AddMember with dump=true, pruning records whose queue no longer exists.
// Call once at startup after the store's static/realtime queues are loaded.
func (a *API) ReplayPersisted(ctx context.Context) error {
	if a.persist == nil {
		return nil
	}
	var stale []string
	err := a.persist.ForEach(ctx, func(queueName string, records []persist.Record) error {
		q := a.store.Find(queueName)
		if q == nil {
			stale = append(stale, queueName)
			return nil
		}
		for _, r := range records {
			a.AddMember(ctx, queueName, r.Interface, r.Name, r.Penalty, r.Paused, false, true)
		}
		a.events.Publish(Event{Type: EventAgentDump, Queue: queueName})
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range stale {
		if err := a.persist.Delete(ctx, name); err != nil {
			a.log.Warn().Err(err).Str("queue", name).Msg("failed to prune stale persisted record")
		}
	}
	return nil
}
