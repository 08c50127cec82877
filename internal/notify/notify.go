// Package notify fans breach events out to alert sinks (terminal panel,
// Telegram). Sinks are decoupled from monitor loops by per-sink bounded
// queues so a slow sink can never stall an account monitor.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proptools/guardian/internal/account"
	"github.com/proptools/guardian/internal/rules"
)

// Event is one evaluation result worth alerting on. The registry drops
// events with no breaches before they reach any sink.
type Event struct {
	AccountID   string
	Label       string
	Firm        string
	RulesSource rules.Source
	Snapshot    account.Snapshot
	Breaches    []rules.Breach
	At          time.Time
}

// Hard reports whether the event carries at least one hard breach.
func (e Event) Hard() bool {
	for _, b := range e.Breaches {
		if b.Hard() {
			return true
		}
	}
	return false
}

// Sink consumes events. Dispatch may block; the registry queue absorbs that.
type Sink interface {
	Name() string
	Dispatch(Event) error
}

const sinkQueueSize = 256

// Registry owns the sinks and their delivery queues.
type Registry struct {
	mu    sync.Mutex
	sinks []*sinkQueue

	dropped atomic.Int64
}

type sinkQueue struct {
	sink   Sink
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	dropped *atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a sink and starts its delivery worker.
func (r *Registry) Register(s Sink) {
	sq := &sinkQueue{
		sink:    s,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		dropped: &r.dropped,
	}

	r.mu.Lock()
	r.sinks = append(r.sinks, sq)
	r.mu.Unlock()

	go sq.run()
	log.Info().Str("sink", s.Name()).Msg("🔔 Alert sink registered")
}

// Dispatch enqueues an event for every sink. Events without breaches are a
// no-op. Never blocks.
func (r *Registry) Dispatch(ev Event) {
	if len(ev.Breaches) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.Lock()
	sinks := r.sinks
	r.mu.Unlock()

	for _, sq := range sinks {
		sq.enqueue(ev)
	}
}

// Dropped returns the total number of events discarded due to full queues.
func (r *Registry) Dropped() int64 {
	return r.dropped.Load()
}

// Stop drains the workers. Queued events still in flight are abandoned.
func (r *Registry) Stop() {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()

	for _, sq := range sinks {
		close(sq.stopCh)
		<-sq.done
	}
}

// enqueue appends to the sink's queue. On overflow the oldest event for the
// same account is discarded first, so one noisy account cannot evict alerts
// for others; if none exists, the oldest event overall goes.
func (sq *sinkQueue) enqueue(ev Event) {
	sq.mu.Lock()
	if len(sq.queue) >= sinkQueueSize {
		victim := -1
		for i, queued := range sq.queue {
			if queued.AccountID == ev.AccountID {
				victim = i
				break
			}
		}
		if victim == -1 {
			victim = 0
		}
		sq.queue = append(sq.queue[:victim], sq.queue[victim+1:]...)
		sq.dropped.Add(1)
	}
	sq.queue = append(sq.queue, ev)
	sq.mu.Unlock()

	select {
	case sq.wake <- struct{}{}:
	default:
	}
}

func (sq *sinkQueue) run() {
	defer close(sq.done)
	for {
		select {
		case <-sq.stopCh:
			return
		case <-sq.wake:
		}

		for {
			sq.mu.Lock()
			if len(sq.queue) == 0 {
				sq.mu.Unlock()
				break
			}
			ev := sq.queue[0]
			sq.queue = sq.queue[1:]
			sq.mu.Unlock()

			if err := sq.sink.Dispatch(ev); err != nil {
				log.Warn().Err(err).Str("sink", sq.sink.Name()).
					Str("account", ev.AccountID).
					Msg("Alert delivery failed")
			}
		}
	}
}
