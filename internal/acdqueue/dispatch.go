package acdqueue

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/acd-engine/internal/transport"
)

const penaltyBand = 1_000_000

// scoredMember pairs a member with its computed dispatch metric. Lower
// metrics rank first.
type scoredMember struct {
	member *Member
	snap   MemberSnapshot
	metric int64
}

// computeMetric implements step 1's per-strategy base metric
// for every strategy except rrmemory, which rankMembers scores itself from
// stable member position, plus the penalty-band offset. Ring-all always
// scores 0, with no penalty offset.
func computeMetric(strategy Strategy, snap MemberSnapshot, now time.Time, rng *rand.Rand) int64 {
	var base int64
	switch strategy {
	case StrategyRingAll:
		return 0
	case StrategyRandom:
		base = int64(rng.Intn(1000))
	case StrategyFewestCalls:
		base = snap.CallsTaken
	case StrategyLeastRecent:
		if snap.LastCall.IsZero() {
			base = 0
		} else {
			idle := now.Sub(snap.LastCall)
			base = 1_000_000 - idle.Milliseconds()/1000
		}
	}
	return base + int64(snap.Penalty)*penaltyBand
}

// eligibleForRing applies step 2's per-call-attempt filters:
// wrapup, paused, and (unless ring-in-use) device state.
func eligibleForRing(q *Queue, snap MemberSnapshot, now time.Time, wrapup time.Duration, ringInUse bool) bool {
	if snap.Paused {
		return false
	}
	if snap.State == DeviceInvalid {
		return false
	}
	if !snap.LastCall.IsZero() && wrapup > 0 && now.Sub(snap.LastCall) < wrapup {
		return false
	}
	if !ringInUse {
		if snap.State != DeviceNotInUse && snap.State != DeviceUnknown {
			return false
		}
	}
	return true
}

// penaltyAllows applies step 1's penalty filter: a member is
// rejected if the entry carries a positive max-penalty that the member
// exceeds.
func penaltyAllows(maxPenalty, memberPenalty int) bool {
	if maxPenalty <= 0 {
		return true
	}
	return memberPenalty <= maxPenalty
}

// Dispatcher runs the per-call ring-selection algorithm.
type Dispatcher struct {
	store   *Store
	events  *EventEmitter
	qlog    *QueueLogger
	factory transport.ChannelFactory
	log     zerolog.Logger
	rng     *rand.Rand
}

// NewDispatcher constructs a Dispatcher bound to a channel factory
// collaborator (the out-of-scope transport layer).
func NewDispatcher(store *Store, events *EventEmitter, qlog *QueueLogger, factory transport.ChannelFactory, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		events:  events,
		qlog:    qlog,
		factory: factory,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DispatchResult is the outcome of one full dispatch cycle for an entry.
type DispatchResult struct {
	Answered     bool
	AnsweredBy   string
	ExitReason   ExitReason
	Digit        string
	ForwardedTo  string
}

// rankMembers builds the scored, eligible candidate list for strategy,
// applying the penalty filter, the per-attempt filters, and (if any queue
// is weighted) cross-queue precedence.
func (d *Dispatcher) rankMembers(ctx context.Context, q *Queue, e *Entry) []scoredMember {
	q.mu.RLock()
	strategy := q.Strategy
	wrapup := q.Timing.WrapupTime
	ringInUse := q.Flags.RingInUse
	weight := q.Weight
	rrPos := q.rrPos
	q.mu.RUnlock()

	now := time.Now()
	var out []scoredMember
	for _, m := range q.Members().Snapshot() {
		snap := m.Snapshot()
		if !penaltyAllows(e.MaxPenalty, snap.Penalty) {
			continue
		}
		if !eligibleForRing(q, snap, now, wrapup, ringInUse) {
			continue
		}
		if weight > 0 || d.store.AnyWeighted() {
			if d.blockedByHigherWeightQueue(q, weight, snap.Interface) {
				continue
			}
		}
		var metric int64
		if strategy == StrategyRoundRobinMemory {
			// pos if pos >= rr_pos, else 1000+pos (wrap-past ranks after
			// not-yet-tried), plus penalty band.
			pos := int64(rankOf(q, snap.Interface))
			if pos >= int64(rrPos) {
				metric = pos
			} else {
				metric = 1000 + pos
			}
			metric += int64(snap.Penalty) * penaltyBand
		} else {
			metric = computeMetric(strategy, snap, now, d.rng)
		}
		out = append(out, scoredMember{member: m, snap: snap, metric: metric})
	}
	return out
}

// rankOf gives each member a stable ordinal position within the queue's
// member set, used as the rrmemory strategy's base ordering.
// MemberRegistry.Snapshot iterates a map, so positions are derived from interface strings sorted
// lexically rather than container iteration order, which Go leaves
// unspecified.
func rankOf(q *Queue, iface string) int {
	members := q.Members().Snapshot()
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Interface
	}
	sort.Strings(names)
	for i, n := range names {
		if n == iface {
			return i
		}
	}
	return 0
}

// blockedByHigherWeightQueue implements step 2's cross-queue
// precedence: skip a member whenever another queue of strictly greater
// weight has at least one waiter and also lists that member. Whether the
// member is currently dispatchable for that other queue's waiter is not
// checked. This is the sole reason the store is consulted during dispatch.
func (d *Dispatcher) blockedByHigherWeightQueue(self *Queue, selfWeight int, iface string) bool {
	for _, other := range d.store.All() {
		if other == self {
			continue
		}
		other.mu.RLock()
		otherWeight := other.Weight
		hasWaiter := other.waitingCount > 0
		other.mu.RUnlock()
		if otherWeight <= selfWeight || !hasWaiter {
			continue
		}
		if other.Members().Lookup(iface) != nil {
			if d.qlog != nil {
				d.qlog.Log(self.Name, "", iface, LogSysCompat, "Priority queue delaying dispatch")
			}
			return true
		}
	}
	return false
}

// bestMetric returns the candidates sharing the minimum metric.
func bestMetric(candidates []scoredMember) []scoredMember {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0].metric
	for _, c := range candidates[1:] {
		if c.metric < best {
			best = c.metric
		}
	}
	var out []scoredMember
	for _, c := range candidates {
		if c.metric == best {
			out = append(out, c)
		}
	}
	return out
}

// failureCauseToState maps a ring failure cause to the device state update
// step 3 requires.
func failureCauseToState(cause string) DeviceState {
	switch cause {
	case "busy":
		return DeviceBusy
	case "unregistered":
		return DeviceUnavailable
	case "no-such-driver":
		return DeviceInvalid
	default:
		return DeviceUnknown
	}
}

// RunCycle executes one dispatch cycle for e against q: it ranks members,
// rings the best candidate(s), waits for answer, and on success performs
// the post-answer bookkeeping of step 5. The caller (the
// entry lifecycle) is responsible for retrying on exhaustion/timeout.
func (d *Dispatcher) RunCycle(ctx context.Context, q *Queue, e *Entry, caller transport.CallerChannel) DispatchResult {
	q.mu.RLock()
	strategy := q.Strategy
	ringTimeout := q.Timing.RingTimeout
	q.mu.RUnlock()
	if ringTimeout <= 0 {
		ringTimeout = transport.RingTimeout
	}

	candidates := d.rankMembers(ctx, q, e)
	if len(candidates) == 0 {
		return DispatchResult{ExitReason: ExitUnknown}
	}

	cycleCtx, cancel := context.WithTimeout(ctx, ringTimeout)
	defer cancel()

	if strategy == StrategyRingAll {
		return d.ringAll(cycleCtx, q, e, caller, bestMetric(candidates))
	}
	return d.ringSequential(cycleCtx, q, e, caller, candidates)
}

func (d *Dispatcher) ringAll(ctx context.Context, q *Queue, e *Entry, caller transport.CallerChannel, targets []scoredMember) DispatchResult {
	type legResult struct {
		leg transport.OutgoingChannel
		m   *Member
	}
	var legs []legResult
	for _, t := range targets {
		leg, err := d.dial(ctx, q, e, t)
		if err != nil {
			d.handleDialFailure(q, t.member, "")
			continue
		}
		legs = append(legs, legResult{leg: leg, m: t.member})
		d.events.Publish(Event{Type: EventAgentCalled, Queue: q.Name, Interface: t.member.Interface, ChannelID: e.ChannelID})
	}
	if len(legs) == 0 {
		return DispatchResult{ExitReason: ExitUnknown}
	}

	type outcome struct {
		leg legResult
		out transport.Outcome
	}
	results := make(chan outcome, len(legs))
	for _, l := range legs {
		go func(l legResult) {
			out, err := l.leg.Wait(ctx)
			if err != nil {
				out = transport.Outcome{Event: transport.EventCongestion}
			}
			results <- outcome{leg: l, out: out}
		}(l)
	}

	var winner *outcome
	for i := 0; i < len(legs); i++ {
		r := <-results
		if r.out.Event == transport.EventAnswer && winner == nil {
			winner = &r
			continue
		}
		if r.out.Event == transport.EventBusy || r.out.Event == transport.EventCongestion {
			d.handleDialFailure(q, r.leg.m, r.out.FailureCause)
		}
	}

	if winner == nil {
		d.logRingNoAnswer(q)
		return DispatchResult{ExitReason: ExitUnknown}
	}

	for _, l := range legs {
		if l.m != winner.leg.m {
			_ = l.leg.Hangup(ctx)
		}
	}
	return d.connect(ctx, q, e, winner.leg.m, caller)
}

func (d *Dispatcher) ringSequential(ctx context.Context, q *Queue, e *Entry, caller transport.CallerChannel, candidates []scoredMember) DispatchResult {
	// Try in ascending metric order; retry the next on failure until
	// success, exhaustion, or the cycle timeout.
	ordered := sortedByMetric(candidates)
	for _, t := range ordered {
		select {
		case <-ctx.Done():
			return DispatchResult{ExitReason: ExitUnknown}
		default:
		}

		leg, err := d.dial(ctx, q, e, t)
		if err != nil {
			d.handleDialFailure(q, t.member, "")
			d.advanceRR(q, t.metric)
			continue
		}
		d.events.Publish(Event{Type: EventAgentCalled, Queue: q.Name, Interface: t.member.Interface, ChannelID: e.ChannelID})

		out, waitErr := leg.Wait(ctx)
		if waitErr != nil {
			d.advanceRR(q, t.metric)
			continue
		}
		switch out.Event {
		case transport.EventAnswer:
			d.advanceRR(q, t.metric)
			return d.connect(ctx, q, e, t.member, caller)
		case transport.EventCallForward:
			// The winning leg redirected itself; the transport layer owns
			// the forwarded call from here, so this member's ring attempt
			// ends without a connect.
			d.advanceRR(q, t.metric)
			return DispatchResult{ExitReason: ExitContinue, ForwardedTo: out.ForwardTo}
		default:
			d.handleDialFailure(q, t.member, out.FailureCause)
			d.advanceRR(q, t.metric)
			continue
		}
	}
	d.logRingNoAnswer(q)
	return DispatchResult{ExitReason: ExitUnknown}
}

func sortedByMetric(candidates []scoredMember) []scoredMember {
	out := make([]scoredMember, len(candidates))
	copy(out, candidates)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].metric < out[j-1].metric; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (d *Dispatcher) dial(ctx context.Context, q *Queue, e *Entry, t scoredMember) (transport.OutgoingChannel, error) {
	return d.factory.Dial(ctx, transport.DialRequest{
		Interface:       t.member.Interface,
		CallerChannelID: e.ChannelID,
	})
}

func (d *Dispatcher) handleDialFailure(q *Queue, m *Member, cause string) {
	m.SetState(failureCauseToState(cause))
	q.mu.Lock()
	q.rrPos++
	q.mu.Unlock()
}

// advanceRR moves rr_pos past the member whose ordinal position is
// metric mod 1000, so the next rrmemory cycle starts from the member after
// it.
func (d *Dispatcher) advanceRR(q *Queue, metric int64) {
	q.mu.Lock()
	q.rrPos = int(metric%1000) + 1
	q.mu.Unlock()
}

func (d *Dispatcher) logRingNoAnswer(q *Queue) {
	if d.qlog != nil {
		d.qlog.Log(q.Name, "", "", LogRingNoAnswer)
	}
}

// connect performs step 5's post-answer bookkeeping and
// begins the bridge.
func (d *Dispatcher) connect(ctx context.Context, q *Queue, e *Entry, winner *Member, caller transport.CallerChannel) DispatchResult {
	now := time.Now()
	winner.RecordCall(now)

	q.mu.Lock()
	q.Counters.Completed++
	if now.Sub(e.StartTime) <= q.Timing.ServiceLevel {
		q.Counters.CompletedInSL++
	}
	q.Counters.updateHoldtime(now.Sub(e.StartTime))
	if q.Strategy == StrategyRoundRobinMemory {
		q.wrapped = false
	}
	q.mu.Unlock()

	d.events.Publish(Event{Type: EventAgentConnect, Queue: q.Name, Interface: winner.Interface, ChannelID: e.ChannelID})
	if d.qlog != nil {
		d.qlog.Log(q.Name, e.ChannelID, winner.Interface, LogConnect)
	}

	if d.factory != nil {
		callerID := e.ChannelID
		if caller != nil {
			callerID = caller.ID()
		}
		_ = d.factory.Bridge(ctx, callerID, winner.Interface, transport.BridgeFeatures{}, transport.BridgeFeatures{})
	}

	d.events.Publish(Event{Type: EventAgentComplete, Queue: q.Name, Interface: winner.Interface, ChannelID: e.ChannelID})
	return DispatchResult{Answered: true, AnsweredBy: winner.Interface, ExitReason: ExitContinue}
}
