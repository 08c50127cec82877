package account

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AnchorState is the persisted form of a day-start anchor.
type AnchorState struct {
	AccountID       string
	CurrentDate     string // broker-local calendar date, YYYY-MM-DD
	DayStartBalance float64
	DayStartEquity  float64
}

// AnchorEvent is emitted whenever the anchor rolls to a new broker day.
type AnchorEvent struct {
	AccountID       string
	Date            string
	DayStartBalance float64
	DayStartEquity  float64
	Anchor          float64
	At              time.Time
}

// AnchorTracker owns the per-account day-start state. It rolls the anchor on
// the first observation after process start and on every broker-local date
// change, and fills the day-start fields into each snapshot before it goes
// downstream. The date never rolls backward: an out-of-order snapshot is
// evaluated against the existing anchor.
type AnchorTracker struct {
	accountID string
	log       zerolog.Logger

	set        bool
	dateKey    int // yyyymmdd, broker-local
	date       string
	dayBalance float64
	dayEquity  float64

	onRoll func(AnchorEvent)
}

// NewAnchorTracker creates a tracker for one account. onRoll may be nil; when
// set it receives an audit event on every anchor roll (used for durable
// anchor storage).
func NewAnchorTracker(accountID string, log zerolog.Logger, onRoll func(AnchorEvent)) *AnchorTracker {
	return &AnchorTracker{
		accountID: accountID,
		log:       log.With().Str("component", "anchor").Str("account", accountID).Logger(),
		onRoll:    onRoll,
	}
}

// Restore seeds the tracker from a previously persisted state. Call before
// the first Observe; a later broker date in the stream still rolls normally.
func (t *AnchorTracker) Restore(state AnchorState) {
	d, err := time.Parse("2006-01-02", state.CurrentDate)
	if err != nil {
		t.log.Warn().Str("date", state.CurrentDate).Msg("Ignoring anchor state with bad date")
		return
	}
	t.set = true
	t.dateKey = dateKey(d)
	t.date = state.CurrentDate
	t.dayBalance = state.DayStartBalance
	t.dayEquity = state.DayStartEquity
	t.log.Info().
		Str("date", t.date).
		Str("day_start_balance", money(t.dayBalance)).
		Str("day_start_equity", money(t.dayEquity)).
		Msg("Anchor restored")
}

// Observe applies one snapshot to the anchor state machine and writes the
// day-start fields into it. Returns true when the anchor rolled.
func (t *AnchorTracker) Observe(s *Snapshot) bool {
	key := dateKey(s.ObservedAtServer)
	rolled := false

	switch {
	case !t.set || key > t.dateKey:
		t.set = true
		t.dateKey = key
		t.date = s.ObservedAtServer.Format("2006-01-02")
		t.dayBalance = s.Balance
		t.dayEquity = s.Equity
		rolled = true

		anchor := s.Balance
		if s.Equity > anchor {
			anchor = s.Equity
		}
		t.log.Info().
			Str("date", t.date).
			Str("balance", money(s.Balance)).
			Str("equity", money(s.Equity)).
			Str("anchor", money(anchor)).
			Msg("📅 Day start anchor rolled")
		if t.onRoll != nil {
			t.onRoll(AnchorEvent{
				AccountID:       t.accountID,
				Date:            t.date,
				DayStartBalance: t.dayBalance,
				DayStartEquity:  t.dayEquity,
				Anchor:          anchor,
				At:              s.ObservedAtWall,
			})
		}

	case key < t.dateKey:
		// Server clock went backwards relative to the tracked day. Keep the
		// anchor; the snapshot is still evaluated.
		t.log.Warn().
			Str("tracked_date", t.date).
			Time("observed_at_server", s.ObservedAtServer).
			Msg("Snapshot older than tracked day, keeping anchor")
	}

	s.DayStartBalance = t.dayBalance
	s.DayStartEquity = t.dayEquity
	return rolled
}

// State returns the current anchor state; ok is false before the first roll.
func (t *AnchorTracker) State() (AnchorState, bool) {
	if !t.set {
		return AnchorState{}, false
	}
	return AnchorState{
		AccountID:       t.accountID,
		CurrentDate:     t.date,
		DayStartBalance: t.dayBalance,
		DayStartEquity:  t.dayEquity,
	}, true
}

func dateKey(ts time.Time) int {
	y, m, d := ts.Date()
	return y*10000 + int(m)*100 + d
}

func money(v float64) string {
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}
