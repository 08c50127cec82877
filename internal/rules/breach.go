package rules

import "time"

// Code identifies which rule a breach belongs to. The set is closed.
type Code string

const (
	CodeDailyDD         Code = "DAILY_DD"
	CodeTotalDD         Code = "TOTAL_DD"
	CodeRiskPerTrade    Code = "RISK_PER_TRADE"
	CodeMaxLots         Code = "MAX_LOTS"
	CodeMaxPositions    Code = "MAX_POSITIONS"
	CodeMarginLevel     Code = "MARGIN_LEVEL"
	CodeMissingStopLoss Code = "MISSING_STOP_LOSS"
	CodeLeverage        Code = "LEVERAGE"
)

// Level is the breach severity. HARD means a limit was met or exceeded, WARN
// means the proximity threshold was crossed.
type Level string

const (
	LevelWarn Level = "WARN"
	LevelHard Level = "HARD"
)

// Breach is one evaluator finding: the observed value, the limit it was
// measured against, and when/where it was observed.
type Breach struct {
	Code       Code      `json:"code"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	AccountID  string    `json:"account_id,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Hard reports whether the breach is a hard limit violation.
func (b Breach) Hard() bool { return b.Level == LevelHard }
