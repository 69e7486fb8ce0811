package acdqueue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/snarg/acd-engine/internal/transport"
)

// fakeCaller is a CallerChannel that blocks until ctx ends, the way a real
// caller leg would while nothing has happened on it yet.
type fakeCaller struct{ id string }

func (c *fakeCaller) ID() string { return c.id }
func (c *fakeCaller) WaitCallerEvent(ctx context.Context) (transport.Outcome, error) {
	<-ctx.Done()
	return transport.Outcome{}, ctx.Err()
}
func (c *fakeCaller) Ring(ctx context.Context) error { return nil }

func newTestLifecycle(factory transport.ChannelFactory) (*Lifecycle, *Dispatcher) {
	store := NewStore(NewInterfaceIndex(), nil, zerolog.Nop())
	events := NewEventEmitter(32)
	d := NewDispatcher(store, events, nil, factory, zerolog.Nop())
	return NewLifecycle(store, d, events, nil, nil, zerolog.Nop()), d
}

func TestLifecycleJoinGateMaxLen(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.MaxLen = 1
	q.Join(&Entry{ChannelID: "already-waiting"})

	reason, ok := l.joinGate(q)
	require.False(t, ok)
	require.Equal(t, ExitFull, reason)
}

func TestLifecycleJoinGateRejectsDeadQueue(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.Flags.Dead = true

	reason, ok := l.joinGate(q)
	require.False(t, ok, "a queue marked dead never accepts a new join, regardless of other policy")
	require.Equal(t, ExitJoinUnavail, reason)
}

func TestLifecycleJoinGateEmptyPolicyOff(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.JoinEmptyPolicy = EmptyOff

	_, ok := l.joinGate(q)
	require.True(t, ok, "joinempty=off never blocks, even with zero members")
}

func TestLifecycleJoinGateNormalBlocksWhenNoAvailableMember(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.JoinEmptyPolicy = EmptyNormal
	busy := NewMember("SIP/1001", "Alice", 0)
	busy.SetState(DeviceInUse)
	q.Members().Insert(busy)

	reason, ok := l.joinGate(q)
	require.False(t, ok)
	require.Equal(t, ExitJoinEmpty, reason)
}

func TestLifecycleJoinGateLooseOnlyBlocksOnZeroMembers(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.JoinEmptyPolicy = EmptyLoose
	busy := NewMember("SIP/1001", "Alice", 0)
	busy.SetState(DeviceInUse)
	q.Members().Insert(busy)

	_, ok := l.joinGate(q)
	require.True(t, ok, "loose ignores transient member availability, only total membership counts")

	empty := NewQueue("nobody")
	empty.JoinEmptyPolicy = EmptyLoose
	reason, ok := l.joinGate(empty)
	require.False(t, ok)
	require.Equal(t, ExitJoinEmpty, reason)
}

func TestLifecycleJoinGateReportsUnavailableVsEmpty(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})

	q := NewQueue("support")
	q.JoinEmptyPolicy = EmptyStrict
	unreachable := NewMember("SIP/1001", "Alice", 0)
	unreachable.SetState(DeviceUnavailable)
	q.Members().Insert(unreachable)

	reason, ok := l.joinGate(q)
	require.False(t, ok)
	require.Equal(t, ExitJoinUnavail, reason, "a member present but UNAVAILABLE/INVALID reports the unavail exit, not the plain empty one")
}

func TestLifecycleIsOurTurnWithoutAutofillOnlyHeadDispatches(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	first := &Entry{ChannelID: "first"}
	second := &Entry{ChannelID: "second"}
	q.Join(first)
	q.Join(second)

	require.True(t, l.isOurTurn(q, first))
	require.False(t, l.isOurTurn(q, second))
}

func TestLifecycleIsOurTurnAutofillAllowsMultipleConcurrentEntries(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.Flags.Autofill = true
	q.Members().Insert(NewMember("SIP/1001", "Alice", 0))
	q.Members().Insert(NewMember("SIP/1002", "Bob", 0))

	first := &Entry{ChannelID: "first"}
	second := &Entry{ChannelID: "second"}
	third := &Entry{ChannelID: "third"}
	q.Join(first)
	q.Join(second)
	q.Join(third)

	require.True(t, l.isOurTurn(q, first))
	require.True(t, l.isOurTurn(q, second))
	require.False(t, l.isOurTurn(q, third), "only as many entries as available members may dispatch concurrently")
}

func TestLifecycleIsOurTurnRingAllCoercesAvailableToOne(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.Flags.Autofill = true
	q.Strategy = StrategyRingAll
	q.Members().Insert(NewMember("SIP/1001", "Alice", 0))
	q.Members().Insert(NewMember("SIP/1002", "Bob", 0))

	first := &Entry{ChannelID: "first"}
	second := &Entry{ChannelID: "second"}
	q.Join(first)
	q.Join(second)

	require.True(t, l.isOurTurn(q, first))
	require.False(t, l.isOurTurn(q, second), "ring-all always treats only the head entry as dispatchable, regardless of autofill")
}

func TestLifecycleRunAnswersAndExits(t *testing.T) {
	factory := &fakeFactory{byInterface: map[string]*fakeChannel{
		"SIP/1001": {id: "leg1", outcome: transport.Outcome{Event: transport.EventAnswer}},
	}}
	l, _ := newTestLifecycle(factory)

	q := NewQueue("support")
	q.Timing.RingTimeout = time.Second
	q.Members().Insert(NewMember("SIP/1001", "Alice", 0))

	e := &Entry{ChannelID: "caller1"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := l.Run(ctx, q, e, nil)
	require.Equal(t, ExitContinue, result.Exit)
	require.Equal(t, "SIP/1001", result.AnsweredBy)
	require.Equal(t, 0, q.WaitingCount(), "the entry is removed from the waiting list on every exit path")
}

func TestLifecycleRunExitsImmediatelyOnJoinReject(t *testing.T) {
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.MaxLen = 1
	q.Join(&Entry{ChannelID: "blocker"})

	e := &Entry{ChannelID: "caller1"}
	result := l.Run(context.Background(), q, e, nil)
	require.Equal(t, ExitFull, result.Exit)
	require.Equal(t, 1, q.WaitingCount(), "the rejected entry never joined, the blocker remains")
}

func TestLifecycleRunExitsOnContextCancelWhileWaiting(t *testing.T) {
	// No eligible member: the entry joins, isOurTurn is true (head of an
	// empty-member queue dispatches), but RunCycle has nothing to ring so it
	// returns unanswered; the run loop then waits on the caller/ticker select
	// until ctx is cancelled.
	l, _ := newTestLifecycle(&fakeFactory{})
	q := NewQueue("support")
	q.Timing.RingTimeout = 10 * time.Millisecond

	e := &Entry{ChannelID: "caller1"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan LifecycleResult, 1)
	caller := &fakeCaller{id: "caller1"}
	go func() { done <- l.Run(ctx, q, e, caller) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		require.Equal(t, ExitUnknown, result.Exit)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
