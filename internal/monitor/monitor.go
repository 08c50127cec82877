// Package monitor runs the per-account observation loops and the supervisor
// that owns them.
package monitor

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/proptools/guardian/internal/account"
	"github.com/proptools/guardian/internal/config"
	"github.com/proptools/guardian/internal/notify"
	"github.com/proptools/guardian/internal/platform"
	"github.com/proptools/guardian/internal/rules"
)

// State is the lifecycle state of one account monitor.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateObserving    State = "OBSERVING"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
	StateStopped      State = "STOPPED"
)

// Status is the last published state of a monitor, safe to read from any
// goroutine via Monitor.Status.
type Status struct {
	AccountID    string       `json:"account_id"`
	Label        string       `json:"label"`
	Firm         string       `json:"firm"`
	Platform     string       `json:"platform"`
	State        State        `json:"state"`
	RulesSource  rules.Source `json:"rules_source"`
	LastCheck    time.Time    `json:"last_check,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	Equity       float64      `json:"equity,omitempty"`
	Balance      float64      `json:"balance,omitempty"`
	OpenCount    int          `json:"open_positions,omitempty"`
	HardBreaches int          `json:"hard_breaches"`
	Warnings     int          `json:"warnings"`
}

// Reconnect backoff: exponential with full jitter.
const (
	backoffBase   = 1 * time.Second
	backoffFactor = 2.0
	backoffCap    = 60 * time.Second
)

// AnchorStore persists day-start anchors across restarts. Optional.
type AnchorStore interface {
	SaveAnchor(account.AnchorState) error
	LoadAnchor(accountID string) (account.AnchorState, bool, error)
}

// Monitor observes one account: poll, anchor, evaluate, alert.
type Monitor struct {
	cfg      config.AccountConfig
	adapter  platform.Adapter
	rules    rules.Rules
	source   rules.Source
	registry *notify.Registry
	anchors  AnchorStore // may be nil
	tracker  *account.AnchorTracker
	log      zerolog.Logger

	status atomic.Pointer[Status]
}

// New builds a monitor with already-resolved rules.
func New(cfg config.AccountConfig, adapter platform.Adapter, r rules.Rules, src rules.Source,
	registry *notify.Registry, anchors AnchorStore, log zerolog.Logger) *Monitor {

	m := &Monitor{
		cfg:      cfg,
		adapter:  adapter,
		rules:    r,
		source:   src,
		registry: registry,
		anchors:  anchors,
		log: log.With().
			Str("component", "monitor").
			Str("account", cfg.AccountID).
			Logger(),
	}
	m.tracker = account.NewAnchorTracker(cfg.AccountID, m.log, m.persistAnchor)
	m.publish(StateConnecting, nil, nil)
	return m
}

// Status returns the last published status.
func (m *Monitor) Status() Status {
	return *m.status.Load()
}

// Run drives the monitor until ctx is cancelled. Credential rejections put
// the monitor into FAILED and return; transient errors reconnect with
// backoff.
func (m *Monitor) Run(ctx context.Context) {
	defer m.adapter.Disconnect()

	if m.anchors != nil {
		if state, ok, err := m.anchors.LoadAnchor(m.cfg.AccountID); err != nil {
			m.log.Warn().Err(err).Msg("Anchor restore failed, starting fresh")
		} else if ok {
			m.tracker.Restore(state)
		}
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			m.publish(StateStopped, nil, nil)
			return
		}

		if err := m.connect(ctx); err != nil {
			if platform.IsAuth(err) {
				m.log.Error().Err(err).Msg("❌ Authentication rejected, monitor failed")
				m.publish(StateFailed, nil, err)
				return
			}
			if ctx.Err() != nil {
				m.publish(StateStopped, nil, nil)
				return
			}
			attempt++
			delay := backoff(attempt)
			m.log.Warn().Err(err).Dur("retry_in", delay).Msg("Connect failed")
			m.publish(StateReconnecting, nil, err)
			if !sleep(ctx, delay) {
				m.publish(StateStopped, nil, nil)
				return
			}
			continue
		}
		attempt = 0

		err := m.observeLoop(ctx)
		m.adapter.Disconnect()

		if ctx.Err() != nil {
			m.publish(StateStopped, nil, nil)
			return
		}
		if platform.IsAuth(err) {
			m.log.Error().Err(err).Msg("❌ Session rejected, monitor failed")
			m.publish(StateFailed, nil, err)
			return
		}

		attempt++
		delay := backoff(attempt)
		m.log.Warn().Err(err).Dur("retry_in", delay).Msg("Connection lost")
		m.publish(StateReconnecting, nil, err)
		if !sleep(ctx, delay) {
			m.publish(StateStopped, nil, nil)
			return
		}
	}
}

func (m *Monitor) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, platform.OpTimeout)
	defer cancel()
	if err := m.adapter.Connect(cctx); err != nil {
		return err
	}
	m.log.Info().Str("firm", m.cfg.Firm).Str("rules_source", string(m.source)).
		Msg("👁️ Monitoring started")
	return nil
}

// observeLoop polls until ctx cancels or an adapter error bubbles up.
func (m *Monitor) observeLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()

	// Immediate first check so a fresh connect evaluates right away.
	if err := m.check(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.check(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) check(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, platform.OpTimeout)
	defer cancel()

	snap, err := m.adapter.Snapshot(cctx)
	if err != nil {
		return err
	}

	m.tracker.Observe(snap)

	breaches := rules.Evaluate(m.rules, *snap, m.cfg.StartingBalance)
	if len(breaches) > 0 {
		m.registry.Dispatch(notify.Event{
			AccountID:   m.cfg.AccountID,
			Label:       m.cfg.Label,
			Firm:        m.cfg.Firm,
			RulesSource: m.source,
			Snapshot:    *snap,
			Breaches:    breaches,
			At:          snap.ObservedAtWall,
		})
	}

	m.publishCheck(snap, breaches)
	m.logCheck(snap, breaches)
	return nil
}

func (m *Monitor) logCheck(snap *account.Snapshot, breaches []rules.Breach) {
	hard, warn := splitLevels(breaches)
	ev := m.log.Debug()
	if hard > 0 {
		ev = m.log.Error()
	} else if warn > 0 {
		ev = m.log.Warn()
	}
	ev.Float64("equity", snap.Equity).
		Float64("balance", snap.Balance).
		Int("positions", len(snap.Positions)).
		Int("hard", hard).
		Int("warn", warn).
		Msg("Checked")
}

func (m *Monitor) publish(state State, snap *account.Snapshot, err error) {
	st := &Status{
		AccountID:   m.cfg.AccountID,
		Label:       m.cfg.Label,
		Firm:        m.cfg.Firm,
		Platform:    m.cfg.Platform,
		State:       state,
		RulesSource: m.source,
	}
	if prev := m.status.Load(); prev != nil {
		st.LastCheck = prev.LastCheck
		st.Equity = prev.Equity
		st.Balance = prev.Balance
		st.OpenCount = prev.OpenCount
		st.HardBreaches = prev.HardBreaches
		st.Warnings = prev.Warnings
	}
	if snap != nil {
		st.LastCheck = snap.ObservedAtWall
		st.Equity = snap.Equity
		st.Balance = snap.Balance
		st.OpenCount = len(snap.Positions)
	}
	if err != nil {
		st.LastError = err.Error()
	}
	m.status.Store(st)
}

// publishCheck is publish for a successful check, with breach counts.
func (m *Monitor) publishCheck(snap *account.Snapshot, breaches []rules.Breach) {
	m.publish(StateObserving, snap, nil)
	hard, warn := splitLevels(breaches)
	st := *m.status.Load()
	st.HardBreaches = hard
	st.Warnings = warn
	m.status.Store(&st)
}

func (m *Monitor) persistAnchor(ev account.AnchorEvent) {
	if m.anchors == nil {
		return
	}
	state := account.AnchorState{
		AccountID:       ev.AccountID,
		CurrentDate:     ev.Date,
		DayStartBalance: ev.DayStartBalance,
		DayStartEquity:  ev.DayStartEquity,
	}
	if err := m.anchors.SaveAnchor(state); err != nil {
		m.log.Warn().Err(err).Msg("Anchor persist failed")
	}
}

func splitLevels(breaches []rules.Breach) (hard, warn int) {
	for _, b := range breaches {
		if b.Hard() {
			hard++
		} else {
			warn++
		}
	}
	return hard, warn
}

// backoff returns the delay before reconnect attempt n (1-based): full
// jitter over an exponential curve capped at backoffCap.
func backoff(attempt int) time.Duration {
	ceil := float64(backoffBase) * math.Pow(backoffFactor, float64(attempt-1))
	if ceil > float64(backoffCap) {
		ceil = float64(backoffCap)
	}
	return time.Duration(rand.Float64() * ceil)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
