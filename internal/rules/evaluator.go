package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/proptools/guardian/internal/account"
)

// Evaluate checks one account snapshot against a rule set and returns every
// breach found, in fixed check order: daily drawdown, total drawdown, risk
// per trade, open lots, position count, margin level, stop loss, leverage.
//
// Evaluate is pure and total: it performs no I/O, reads no clocks (all time
// comes from the snapshot) and never fails. A zero limit disables its check.
// startingBalance is the account's initial funded balance from configuration;
// the total drawdown check is skipped when it is not positive.
func Evaluate(r Rules, s account.Snapshot, startingBalance float64) []Breach {
	r = r.Normalize()
	var breaches []Breach

	add := func(code Code, level Level, value, threshold float64, msg string) {
		breaches = append(breaches, Breach{
			Code:       code,
			Level:      level,
			Message:    msg,
			Value:      value,
			Threshold:  threshold,
			AccountID:  s.AccountID,
			ObservedAt: s.ObservedAtServer,
		})
	}

	// 1. Daily drawdown: "whichever is worse". Loss is measured from the
	// day-start anchor against both realized balance and mark-to-market
	// equity, and the larger decline counts.
	if limit := r.MaxDailyDrawdownPct; limit > 0 && !suppressDaily(r, s.ObservedAtServer) {
		anchor := s.DayStartAnchor()
		if anchor > 0 {
			loss := math.Max(0, anchor-s.Equity)
			if byBalance := math.Max(0, anchor-s.Balance); byBalance > loss {
				loss = byBalance
			}
			pct := 100 * loss / anchor
			switch {
			case pct >= limit:
				add(CodeDailyDD, LevelHard, pct, limit,
					fmt.Sprintf("daily drawdown %.2f%% breaches the %.2f%% limit", pct, limit))
			case pct >= r.WarnBufferPct*limit:
				add(CodeDailyDD, LevelWarn, pct, limit,
					fmt.Sprintf("daily drawdown %.2f%% approaching the %.2f%% limit", pct, limit))
			}
		}
	}

	// 2. Total drawdown from the initial funded balance.
	if limit := r.MaxTotalDrawdownPct; limit > 0 && startingBalance > 0 {
		pct := 100 * math.Max(0, startingBalance-s.Equity) / startingBalance
		switch {
		case pct >= limit:
			add(CodeTotalDD, LevelHard, pct, limit,
				fmt.Sprintf("total drawdown %.2f%% breaches the %.2f%% limit", pct, limit))
		case pct >= r.WarnBufferPct*limit:
			add(CodeTotalDD, LevelWarn, pct, limit,
				fmt.Sprintf("total drawdown %.2f%% approaching the %.2f%% limit", pct, limit))
		}
	}

	// 3. Risk per trade, one breach per offending position. Positions whose
	// notional cannot be computed degrade to a single advisory warning.
	if limit := r.MaxRiskPerTradePct; limit > 0 && s.Equity > 0 {
		unknown := 0
		for _, p := range s.Positions {
			notional, ok := p.Notional()
			if !ok {
				unknown++
				continue
			}
			pct := 100 * notional / s.Equity
			switch {
			case pct >= limit:
				add(CodeRiskPerTrade, LevelHard, pct, limit,
					fmt.Sprintf("position %s (%s) exposes %.2f%% of equity, limit %.2f%%", p.ID, p.Symbol, pct, limit))
			case pct >= r.WarnBufferPct*limit:
				add(CodeRiskPerTrade, LevelWarn, pct, limit,
					fmt.Sprintf("position %s (%s) exposes %.2f%% of equity, approaching %.2f%%", p.ID, p.Symbol, pct, limit))
			}
		}
		if unknown > 0 {
			add(CodeRiskPerTrade, LevelWarn, float64(unknown), 0,
				fmt.Sprintf("contract size unknown for %d position(s), per-trade risk not verifiable", unknown))
		}
	}

	// 4. Total open lots.
	if limit := r.MaxOpenLots; limit > 0 {
		total := s.TotalLots()
		switch {
		case total > limit:
			add(CodeMaxLots, LevelHard, total, limit,
				fmt.Sprintf("%.2f open lots exceed the %.2f lot limit", total, limit))
		case total >= r.WarnBufferPct*limit:
			add(CodeMaxLots, LevelWarn, total, limit,
				fmt.Sprintf("%.2f open lots approaching the %.2f lot limit", total, limit))
		}
	}

	// 5. Position count. Hard only.
	if limit := r.MaxPositions; limit > 0 {
		if count := len(s.Positions); count > limit {
			add(CodeMaxPositions, LevelHard, float64(count), float64(limit),
				fmt.Sprintf("%d open positions exceed the limit of %d", count, limit))
		}
	}

	// 6. Margin level. Nothing to check without margin in use.
	if s.MarginUsed > 0 {
		level := s.MarginLevelPct()
		switch {
		case level <= r.MarginCriticalLevelPct:
			add(CodeMarginLevel, LevelHard, level, r.MarginCriticalLevelPct,
				fmt.Sprintf("margin level %.2f%% at or below critical %.2f%%", level, r.MarginCriticalLevelPct))
		case level <= r.MarginWarnLevelPct:
			add(CodeMarginLevel, LevelWarn, level, r.MarginWarnLevelPct,
				fmt.Sprintf("margin level %.2f%% at or below warning %.2f%%", level, r.MarginWarnLevelPct))
		}
	}

	// 7. Missing stop loss, one warning per unprotected position.
	if r.RequireStopLoss {
		for _, p := range s.Positions {
			if !p.HasStopLoss() {
				add(CodeMissingStopLoss, LevelWarn, 0, 0,
					fmt.Sprintf("position %s (%s) has no stop loss", p.ID, p.Symbol))
			}
		}
	}

	// 8. Account leverage. Hard only, no warning band.
	if r.MaxLeverage > 0 && s.Leverage > 0 && s.Leverage > r.MaxLeverage {
		add(CodeLeverage, LevelHard, s.Leverage, r.MaxLeverage,
			fmt.Sprintf("account leverage 1:%.0f exceeds allowed 1:%.0f", s.Leverage, r.MaxLeverage))
	}

	return breaches
}

// suppressDaily reports whether the daily drawdown check is skipped for this
// observation: weekday-only programs do not count weekend days.
func suppressDaily(r Rules, observed time.Time) bool {
	if !r.TradingDaysOnly {
		return false
	}
	wd := observed.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
