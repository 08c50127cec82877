// Package rules defines the compliance contract of a prop firm program, the
// pure evaluator that checks an account snapshot against it, and the
// three-tier resolver that decides where a contract comes from.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Defaults applied by Normalize when the corresponding field is unset.
const (
	DefaultWarnBufferPct     = 0.8
	DefaultMarginWarnPct     = 100.0
	DefaultMarginCriticalPct = 50.0
)

// Rules fully describes one firm/program's compliance contract. A zero limit
// means the check is not part of the contract. Immutable once resolved for an
// account.
type Rules struct {
	Name      string `json:"name"`
	ProgramID string `json:"program_id,omitempty"`

	MaxDailyDrawdownPct float64 `json:"max_daily_drawdown_pct"`
	MaxTotalDrawdownPct float64 `json:"max_total_drawdown_pct"`

	MaxRiskPerTradePct float64 `json:"max_risk_per_trade_pct"`
	MaxOpenLots        float64 `json:"max_open_lots"`
	MaxPositions       int     `json:"max_positions"`

	MarginWarnLevelPct     float64 `json:"margin_warn_level_pct"`
	MarginCriticalLevelPct float64 `json:"margin_critical_level_pct"`

	TradingDaysOnly bool    `json:"trading_days_only"`
	RequireStopLoss bool    `json:"require_stop_loss"`
	MaxLeverage     float64 `json:"max_leverage,omitempty"`

	// Warnings fire at WarnBufferPct × the hard limit.
	WarnBufferPct float64 `json:"warn_buffer_pct"`
}

// rulesAlias breaks the UnmarshalJSON recursion.
type rulesAlias Rules

// UnmarshalJSON rejects unknown fields so a mistyped rule name in a config
// file cannot silently disable a check.
func (r *Rules) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var a rulesAlias
	if err := dec.Decode(&a); err != nil {
		return err
	}
	*r = Rules(a)
	return nil
}

// Normalize fills defaulted fields and returns the result. It does not mutate
// the receiver.
func (r Rules) Normalize() Rules {
	if r.WarnBufferPct == 0 {
		r.WarnBufferPct = DefaultWarnBufferPct
	}
	if r.MarginWarnLevelPct == 0 {
		r.MarginWarnLevelPct = DefaultMarginWarnPct
	}
	if r.MarginCriticalLevelPct == 0 {
		r.MarginCriticalLevelPct = DefaultMarginCriticalPct
	}
	return r
}

// Validate checks the Rules invariants: percentage fields are non-negative
// and the warn buffer is in (0, 1].
func (r Rules) Validate() error {
	pcts := map[string]float64{
		"max_daily_drawdown_pct":    r.MaxDailyDrawdownPct,
		"max_total_drawdown_pct":    r.MaxTotalDrawdownPct,
		"max_risk_per_trade_pct":    r.MaxRiskPerTradePct,
		"margin_warn_level_pct":     r.MarginWarnLevelPct,
		"margin_critical_level_pct": r.MarginCriticalLevelPct,
	}
	for name, v := range pcts {
		if v < 0 {
			return fmt.Errorf("rules %q: %s must be non-negative, got %v", r.Name, name, v)
		}
	}
	if r.MaxOpenLots < 0 {
		return fmt.Errorf("rules %q: max_open_lots must be non-negative, got %v", r.Name, r.MaxOpenLots)
	}
	if r.MaxPositions < 0 {
		return fmt.Errorf("rules %q: max_positions must be non-negative, got %d", r.Name, r.MaxPositions)
	}
	if r.WarnBufferPct < 0 || r.WarnBufferPct > 1 {
		return fmt.Errorf("rules %q: warn_buffer_pct must be in (0,1], got %v", r.Name, r.WarnBufferPct)
	}
	return nil
}
