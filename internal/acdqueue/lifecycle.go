package acdqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/acd-engine/internal/transport"
)

// LifecycleState names a node of the entry state machine,
// replacing a flat nested-goto control flow.
type LifecycleState int

const (
	StateJoining LifecycleState = iota
	StateWaiting
	StateDispatching
	StateConnected
	StateExited
)

func (s LifecycleState) String() string {
	switch s {
	case StateJoining:
		return "JOINING"
	case StateWaiting:
		return "WAITING"
	case StateDispatching:
		return "DISPATCHING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "EXITED"
	}
}

// LifecycleResult is the terminal outcome handed back to the dialplan/API
// caller once an entry leaves the lifecycle.
type LifecycleResult struct {
	Exit       ExitReason
	AnsweredBy string
	Digit      string
}

// defaultPollInterval bounds how often Run re-checks join-empty policy,
// turn eligibility, and announce cadence while WAITING. The source drives
// this from the channel's own frame-timer; here it is a plain ticker.
const defaultPollInterval = 1 * time.Second

// Lifecycle drives one Entry through join, wait, dispatch, and connect,
// always leaving the queue on every exit path.
type Lifecycle struct {
	store      *Store
	dispatcher *Dispatcher
	events     *EventEmitter
	qlog       *QueueLogger
	announcer  transport.Announcer
	log        zerolog.Logger
}

// NewLifecycle constructs a Lifecycle bound to its collaborators.
func NewLifecycle(store *Store, dispatcher *Dispatcher, events *EventEmitter, qlog *QueueLogger, announcer transport.Announcer, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{store: store, dispatcher: dispatcher, events: events, qlog: qlog, announcer: announcer, log: log}
}

// Run executes e's full lifecycle against q. caller may be nil in tests
// that do not exercise announcements/DTMF.
func (l *Lifecycle) Run(ctx context.Context, q *Queue, e *Entry, caller transport.CallerChannel) LifecycleResult {
	state := StateJoining

	if reason, ok := l.joinGate(q); !ok {
		return LifecycleResult{Exit: reason}
	}

	q.Join(e)
	state = StateWaiting
	l.events.Publish(Event{Type: EventJoin, Queue: q.Name, ChannelID: e.ChannelID})
	if l.qlog != nil {
		l.qlog.Log(q.Name, e.ChannelID, "", LogEnterQueue, strconv.Itoa(e.Position))
	}
	l.log.Debug().Str("queue", q.Name).Str("channel", e.ChannelID).Int("position", e.Position).Msg("entry joined")

	defer func() {
		if _, ok := q.Leave(e.ChannelID); ok {
			l.store.UnlinkIfDeadAndEmpty(q)
		}
	}()

	callerEvents := l.watchCaller(ctx, caller)

	var ann announceCadence

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		if e.Expired(time.Now()) {
			return l.finish(q, e, state, LifecycleResult{Exit: ExitTimeout})
		}
		if reason, exit := l.emptyExit(q); exit {
			return l.finish(q, e, state, LifecycleResult{Exit: reason})
		}

		if l.isOurTurn(q, e) {
			state = StateDispatching
			dres := l.dispatcher.RunCycle(ctx, q, e, caller)
			if dres.Answered {
				state = StateConnected
				if l.qlog != nil {
					l.qlog.Log(q.Name, e.ChannelID, dres.AnsweredBy, LogCompleteAgent)
				}
				return l.finish(q, e, state, LifecycleResult{Exit: ExitContinue, AnsweredBy: dres.AnsweredBy})
			}
			if dres.ForwardedTo != "" {
				return l.finish(q, e, state, LifecycleResult{Exit: ExitContinue})
			}
			state = StateWaiting
		}

		select {
		case <-ctx.Done():
			return l.finish(q, e, state, LifecycleResult{Exit: ExitUnknown})
		case out, ok := <-callerEvents:
			if !ok {
				callerEvents = nil
				continue
			}
			switch out.Event {
			case transport.EventHangup:
				if l.qlog != nil {
					l.qlog.Log(q.Name, e.ChannelID, "", LogAbandon, strconv.Itoa(e.Position), strconv.Itoa(int(e.Waited(time.Now()).Seconds())))
				}
				l.events.Publish(Event{Type: EventQueueCallerAbandon, Queue: q.Name, ChannelID: e.ChannelID})
				return l.finish(q, e, state, LifecycleResult{Exit: ExitUnknown})
			case transport.EventDTMF:
				e.Digits += out.Digit
				if e.ValidDigit {
					return l.finish(q, e, state, LifecycleResult{Exit: ExitContinue, Digit: e.Digits})
				}
			}
		case <-ticker.C:
			l.maybeAnnounce(ctx, q, e, caller, &ann)
		}
	}
}

// finish writes the matching queue-log line for
// exit reasons not already logged at their point of occurrence (abandon and
// connect log inline, above).
func (l *Lifecycle) finish(q *Queue, e *Entry, state LifecycleState, result LifecycleResult) LifecycleResult {
	_ = state
	if l.qlog == nil {
		return result
	}
	switch result.Exit {
	case ExitTimeout:
		l.qlog.Log(q.Name, e.ChannelID, "", LogExitWithTimeout, strconv.Itoa(e.Position))
	case ExitJoinEmpty, ExitLeaveEmpty:
		l.qlog.Log(q.Name, e.ChannelID, "", LogExitEmpty)
	case ExitContinue:
		if result.Digit != "" {
			l.qlog.Log(q.Name, e.ChannelID, "", LogExitWithKey, result.Digit)
		}
	}
	return result
}

// joinGate applies JOINING transitions: empty/strict-empty
// rejection and the maxlen check.
func (l *Lifecycle) joinGate(q *Queue) (ExitReason, bool) {
	if q.IsDead() {
		return ExitJoinUnavail, false
	}

	q.mu.RLock()
	maxLen := q.MaxLen
	waiting := q.waitingCount
	joinPolicy := q.JoinEmptyPolicy
	q.mu.RUnlock()

	if maxLen > 0 && waiting >= maxLen {
		return ExitFull, false
	}

	if blocked, unavail := l.blockedByEmptyPolicy(q, joinPolicy); blocked {
		if unavail {
			return ExitJoinUnavail, false
		}
		return ExitJoinEmpty, false
	}
	return "", true
}

// emptyExit applies WAITING empties-by-policy transition.
func (l *Lifecycle) emptyExit(q *Queue) (ExitReason, bool) {
	q.mu.RLock()
	policy := q.LeaveEmptyPolicy
	q.mu.RUnlock()

	if blocked, unavail := l.blockedByEmptyPolicy(q, policy); blocked {
		if unavail {
			return ExitLeaveUnavail, true
		}
		return ExitLeaveEmpty, true
	}
	return "", false
}

// blockedByEmptyPolicy applies the off/normal/strict/loose empty policy to
// the current member roster: off never blocks; normal/strict block when no
// member is currently available; loose blocks only when the queue has no
// members at all, ignoring their transient availability.
func (l *Lifecycle) blockedByEmptyPolicy(q *Queue, policy EmptyPolicy) (blocked, dueToUnavailable bool) {
	switch policy {
	case EmptyOff:
		return false, false
	case EmptyLoose:
		if q.Members().Len() == 0 {
			return true, false
		}
		return false, false
	default: // EmptyNormal, EmptyStrict
		if l.availableCount(q) == 0 {
			return true, l.anyMemberUnavailable(q)
		}
		return false, false
	}
}

// availableCount counts members in Not-in-use/Unknown and not paused.
func (l *Lifecycle) availableCount(q *Queue) int {
	count := 0
	for _, m := range q.Members().Snapshot() {
		snap := m.Snapshot()
		if snap.Paused {
			continue
		}
		if snap.State == DeviceNotInUse || snap.State == DeviceUnknown {
			count++
		}
	}
	return count
}

func (l *Lifecycle) anyMemberUnavailable(q *Queue) bool {
	for _, m := range q.Members().Snapshot() {
		snap := m.Snapshot()
		if snap.State == DeviceUnavailable || snap.State == DeviceInvalid {
			return true
		}
	}
	return false
}

// isOurTurn implements "is our turn": without autofill, only
// the literal head entry dispatches; with autofill, the first
// available_count entries may, except ring-all always coerces available=1.
func (l *Lifecycle) isOurTurn(q *Queue, e *Entry) bool {
	q.mu.RLock()
	autofill := q.Flags.Autofill
	strategy := q.Strategy
	q.mu.RUnlock()

	if !autofill {
		return q.Head() == e
	}

	available := l.availableCount(q)
	if strategy == StrategyRingAll {
		available = 1
	}
	if available <= 0 {
		return false
	}
	for i, entry := range q.EntriesSnapshot() {
		if entry == e {
			return i < available
		}
	}
	return false
}

// announceCadence tracks per-entry announce state across poll ticks.
type announceCadence struct {
	lastPosition  int
	lastAt        time.Time
	holdtimeOnce  bool
}

// maybeAnnounce implements announce protocol: never more
// often than min_announce_frequency, and only on a position change or when
// announce_frequency has elapsed.
func (l *Lifecycle) maybeAnnounce(ctx context.Context, q *Queue, e *Entry, caller transport.CallerChannel, ann *announceCadence) {
	if l.announcer == nil || caller == nil {
		return
	}
	q.mu.RLock()
	policy := q.Announce
	q.mu.RUnlock()

	now := time.Now()
	positionChanged := e.Position != ann.lastPosition
	dueForPeriodic := policy.Frequency > 0 && now.Sub(ann.lastAt) >= policy.Frequency
	if !positionChanged && !dueForPeriodic {
		return
	}
	if policy.MinAnnounceFreq > 0 && now.Sub(ann.lastAt) < policy.MinAnnounceFreq {
		return
	}

	holdtime := roundHoldtime(e.Waited(now), policy.RoundSeconds)
	playHoldtime := policy.AnnounceHoldtime == "yes" || (policy.AnnounceHoldtime == "once" && !ann.holdtimeOnce)

	req := transport.AnnounceRequest{PromptID: "position", Position: e.Position}
	if playHoldtime {
		req.HoldtimeSeconds = int(holdtime.Seconds())
		ann.holdtimeOnce = true
	}
	_ = l.announcer.Announce(ctx, caller.ID(), req)

	ann.lastPosition = e.Position
	ann.lastAt = now
}

// roundHoldtime rounds d to the nearest minute or, when roundSeconds is one
// of the accepted non-zero values, to the nearest multiple of that many
// seconds instead.
func roundHoldtime(d time.Duration, roundSeconds int) time.Duration {
	minutes := d.Round(time.Minute)
	switch roundSeconds {
	case 1, 5, 10, 15, 20, 30:
		step := time.Duration(roundSeconds) * time.Second
		return (d + step/2) / step * step
	default:
		return minutes
	}
}

// watchCaller drains caller-side events (hangup, DTMF) onto a channel the
// Run loop can select on alongside its poll ticker. Closes when the caller
// hangs up or ctx ends.
func (l *Lifecycle) watchCaller(ctx context.Context, caller transport.CallerChannel) <-chan transport.Outcome {
	out := make(chan transport.Outcome, 1)
	if caller == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for {
			ev, err := caller.WaitCallerEvent(ctx)
			if err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Event == transport.EventHangup {
				return
			}
		}
	}()
	return out
}
