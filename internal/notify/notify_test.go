package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proptools/guardian/internal/rules"
)

// recordingSink captures dispatched events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{} // when set, Dispatch blocks until closed
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Dispatch(ev Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func breachEvent(accountID string) Event {
	return Event{
		AccountID: accountID,
		Firm:      "ftmo",
		Breaches: []rules.Breach{
			{Code: rules.CodeDailyDD, Level: rules.LevelHard, Message: "over the line", AccountID: accountID},
		},
	}
}

func TestDispatchWithNoBreachesIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry()
	reg.Register(sink)
	defer reg.Stop()

	reg.Dispatch(Event{AccountID: "acct-1", Breaches: nil})
	reg.Dispatch(Event{AccountID: "acct-1", Breaches: []rules.Breach{}})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}

func TestDispatchFansOutToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	reg := NewRegistry()
	reg.Register(a)
	reg.Register(b)
	defer reg.Stop()

	reg.Dispatch(breachEvent("acct-1"))

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })
	assert.Equal(t, "acct-1", a.events[0].AccountID)
}

func TestOverflowDropsOldestForAccount(t *testing.T) {
	release := make(chan struct{})
	sink := &recordingSink{block: release}
	reg := NewRegistry()
	reg.Register(sink)
	defer reg.Stop()

	// Fill the queue past capacity while the sink is stuck. One extra event
	// is in the worker's hands, so capacity+2 guarantees an overflow.
	for i := 0; i < sinkQueueSize+2; i++ {
		reg.Dispatch(breachEvent("noisy"))
	}
	assert.Greater(t, reg.Dropped(), int64(0))

	close(release)
	waitFor(t, func() bool { return reg.Dropped() > 0 && sink.count() > 0 })
}

func TestEventHard(t *testing.T) {
	ev := Event{Breaches: []rules.Breach{
		{Code: rules.CodeDailyDD, Level: rules.LevelWarn},
	}}
	assert.False(t, ev.Hard())

	ev.Breaches = append(ev.Breaches, rules.Breach{Code: rules.CodeTotalDD, Level: rules.LevelHard})
	assert.True(t, ev.Hard())
}

func TestStopIsIdempotentWithPendingEvents(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry()
	reg.Register(sink)

	reg.Dispatch(breachEvent("acct-1"))
	reg.Stop()
	reg.Stop()

	require.NotPanics(t, func() { reg.Dispatch(breachEvent("acct-2")) })
}
