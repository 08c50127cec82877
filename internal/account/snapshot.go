// Package account holds the platform-independent view of a trading account:
// positions, point-in-time snapshots and the per-day anchor state used for
// daily drawdown tracking.
package account

import (
	"math"
	"time"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is a single open position as reported by the platform adapter.
// ContractSize is symbol metadata; zero means the adapter could not determine
// it and notional-based checks degrade gracefully.
type Position struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	VolumeLots      float64   `json:"volume_lots"`
	OpenPrice       float64   `json:"open_price"`
	CurrentPrice    float64   `json:"current_price"`
	StopLossPrice   float64   `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64   `json:"take_profit_price,omitempty"`
	UnrealizedPL    float64   `json:"unrealized_pl"`
	OpenTime        time.Time `json:"open_time,omitempty"`
	Commission      float64   `json:"commission,omitempty"`
	Swap            float64   `json:"swap,omitempty"`
	ContractSize    float64   `json:"contract_size,omitempty"`
}

// Notional returns the position's notional value in account currency.
// The second return is false when the contract size is unknown.
func (p Position) Notional() (float64, bool) {
	if p.ContractSize <= 0 {
		return 0, false
	}
	return math.Abs(p.VolumeLots) * p.ContractSize * p.CurrentPrice, true
}

// HasStopLoss reports whether a protective stop is attached.
func (p Position) HasStopLoss() bool {
	return p.StopLossPrice > 0
}

// Snapshot is one observation of the account state. Day-start fields are
// filled in by the AnchorTracker before the snapshot reaches the evaluator.
type Snapshot struct {
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
	Currency  string `json:"currency"`

	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	MarginUsed float64 `json:"margin_used"`
	MarginFree float64 `json:"margin_free"`

	DayStartBalance float64 `json:"day_start_balance"`
	DayStartEquity  float64 `json:"day_start_equity"`

	// Leverage is the account leverage when the platform exposes it, 0 otherwise.
	Leverage float64 `json:"leverage,omitempty"`

	Positions []Position `json:"positions"`

	ObservedAtServer time.Time `json:"observed_at_server"`
	ObservedAtWall   time.Time `json:"observed_at_wall"`
}

// MarginLevelPct is equity as a percentage of used margin. With no margin in
// use there is nothing at risk, so the level is +Inf.
func (s Snapshot) MarginLevelPct() float64 {
	if s.MarginUsed <= 0 {
		return math.Inf(1)
	}
	return 100 * s.Equity / s.MarginUsed
}

// DayStartAnchor is the daily drawdown reference: the higher of the day-start
// balance and day-start equity.
func (s Snapshot) DayStartAnchor() float64 {
	return math.Max(s.DayStartBalance, s.DayStartEquity)
}

// TotalLots is the summed absolute volume across open positions.
func (s Snapshot) TotalLots() float64 {
	var total float64
	for _, p := range s.Positions {
		total += math.Abs(p.VolumeLots)
	}
	return total
}

// UnrealizedPL is the summed floating profit/loss of open positions.
func (s Snapshot) UnrealizedPL() float64 {
	var total float64
	for _, p := range s.Positions {
		total += p.UnrealizedPL
	}
	return total
}
