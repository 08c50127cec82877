package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proptools/guardian/internal/account"
)

// Monday, so trading_days_only never interferes unless a test wants it to.
var monday = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func baseRules() Rules {
	return Rules{
		Name:                "test",
		MaxDailyDrawdownPct: 5.0,
		MaxTotalDrawdownPct: 10.0,
	}.Normalize()
}

func snapshot(balance, equity, dayBal, dayEq float64) account.Snapshot {
	return account.Snapshot{
		AccountID:        "acct-1",
		Currency:         "USD",
		Balance:          balance,
		Equity:           equity,
		DayStartBalance:  dayBal,
		DayStartEquity:   dayEq,
		ObservedAtServer: monday,
		ObservedAtWall:   monday,
	}
}

func findBreach(t *testing.T, breaches []Breach, code Code) *Breach {
	t.Helper()
	for i := range breaches {
		if breaches[i].Code == code {
			return &breaches[i]
		}
	}
	return nil
}

func TestEvaluateDailyDrawdownScenarios(t *testing.T) {
	tests := []struct {
		name      string
		snap      account.Snapshot
		wantLevel Level
		wantValue float64
		wantNone  bool
	}{
		{
			name:      "floating loss dominates",
			snap:      snapshot(100_000, 95_000, 100_000, 100_000),
			wantLevel: LevelHard,
			wantValue: 5.00,
		},
		{
			name:      "realized loss dominates, floating profit masks equity",
			snap:      snapshot(95_000, 97_000, 100_000, 100_000),
			wantLevel: LevelHard,
			wantValue: 5.00,
		},
		{
			name:      "combined losses take the worse leg",
			snap:      snapshot(96_000, 94_000, 100_000, 100_000),
			wantLevel: LevelHard,
			wantValue: 6.00,
		},
		{
			name:      "anchor uses the higher day-start figure",
			snap:      snapshot(98_000, 95_000, 98_000, 100_000),
			wantLevel: LevelHard,
			wantValue: 5.00,
		},
		{
			name:      "warning zone",
			snap:      snapshot(100_000, 95_500, 100_000, 100_000),
			wantLevel: LevelWarn,
			wantValue: 4.50,
		},
		{
			name:     "clean",
			snap:     snapshot(99_000, 99_000, 100_000, 100_000),
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaches := Evaluate(baseRules(), tt.snap, 100_000)
			br := findBreach(t, breaches, CodeDailyDD)
			if tt.wantNone {
				assert.Nil(t, br, "expected no DAILY_DD breach")
				return
			}
			require.NotNil(t, br, "expected a DAILY_DD breach")
			assert.Equal(t, tt.wantLevel, br.Level)
			assert.InDelta(t, tt.wantValue, br.Value, 1e-9)
			assert.Equal(t, 5.0, br.Threshold)
			assert.Equal(t, "acct-1", br.AccountID)
		})
	}
}

func TestEvaluateBoundaries(t *testing.T) {
	r := baseRules()

	t.Run("exactly at limit is HARD", func(t *testing.T) {
		br := findBreach(t, Evaluate(r, snapshot(100_000, 95_000, 100_000, 100_000), 100_000), CodeDailyDD)
		require.NotNil(t, br)
		assert.Equal(t, LevelHard, br.Level)
	})

	t.Run("exactly at buffer times limit is WARN", func(t *testing.T) {
		// 4.0% = 0.8 × 5.0
		br := findBreach(t, Evaluate(r, snapshot(100_000, 96_000, 100_000, 100_000), 100_000), CodeDailyDD)
		require.NotNil(t, br)
		assert.Equal(t, LevelWarn, br.Level)
	})

	t.Run("just below the buffer is clean", func(t *testing.T) {
		br := findBreach(t, Evaluate(r, snapshot(100_000, 96_000.01, 100_000, 100_000), 100_000), CodeDailyDD)
		assert.Nil(t, br)
	})

	t.Run("total drawdown at limit is HARD", func(t *testing.T) {
		br := findBreach(t, Evaluate(r, snapshot(90_000, 90_000, 90_000, 90_000), 100_000), CodeTotalDD)
		require.NotNil(t, br)
		assert.Equal(t, LevelHard, br.Level)
		assert.InDelta(t, 10.0, br.Value, 1e-9)
	})
}

func TestEvaluateMarginBoundaries(t *testing.T) {
	r := baseRules() // defaults: warn 100, critical 50

	mk := func(equity, marginUsed float64) account.Snapshot {
		s := snapshot(100_000, equity, 100_000, 100_000)
		s.MarginUsed = marginUsed
		return s
	}

	t.Run("exactly critical is HARD", func(t *testing.T) {
		// level = 100 × 1000 / 2000 = 50
		s := snapshot(1000, 1000, 1000, 1000)
		s.MarginUsed = 2000
		br := findBreach(t, Evaluate(r, s, 0), CodeMarginLevel)
		require.NotNil(t, br)
		assert.Equal(t, LevelHard, br.Level)
	})

	t.Run("exactly warn is WARN", func(t *testing.T) {
		s := snapshot(2000, 2000, 2000, 2000)
		s.MarginUsed = 2000 // level = 100
		br := findBreach(t, Evaluate(r, s, 0), CodeMarginLevel)
		require.NotNil(t, br)
		assert.Equal(t, LevelWarn, br.Level)
	})

	t.Run("no margin used means no check", func(t *testing.T) {
		br := findBreach(t, Evaluate(r, mk(100_000, 0), 0), CodeMarginLevel)
		assert.Nil(t, br)
	})
}

func TestEvaluateExposureChecks(t *testing.T) {
	r := baseRules()
	r.MaxOpenLots = 10
	r.MaxPositions = 2
	r.MaxRiskPerTradePct = 2.0
	r.RequireStopLoss = true

	pos := func(id string, lots, contractSize, price, sl float64) account.Position {
		return account.Position{
			ID: id, Symbol: "EURUSD", Side: account.SideLong,
			VolumeLots: lots, ContractSize: contractSize,
			OpenPrice: price, CurrentPrice: price, StopLossPrice: sl,
		}
	}

	t.Run("lot limit hard above, warn at buffer", func(t *testing.T) {
		s := snapshot(100_000, 100_000, 100_000, 100_000)
		s.Positions = []account.Position{pos("1", 11, 0, 1.1, 1.0)}
		br := findBreach(t, Evaluate(r, s, 0), CodeMaxLots)
		require.NotNil(t, br)
		assert.Equal(t, LevelHard, br.Level)

		s.Positions = []account.Position{pos("1", 8, 0, 1.1, 1.0)}
		br = findBreach(t, Evaluate(r, s, 0), CodeMaxLots)
		require.NotNil(t, br)
		assert.Equal(t, LevelWarn, br.Level)
	})

	t.Run("position count is hard only", func(t *testing.T) {
		s := snapshot(100_000, 100_000, 100_000, 100_000)
		s.Positions = []account.Position{
			pos("1", 1, 0, 1.1, 1.0), pos("2", 1, 0, 1.1, 1.0), pos("3", 1, 0, 1.1, 1.0),
		}
		br := findBreach(t, Evaluate(r, s, 0), CodeMaxPositions)
		require.NotNil(t, br)
		assert.Equal(t, LevelHard, br.Level)
		assert.Equal(t, float64(3), br.Value)
	})

	t.Run("per-trade risk uses notional against equity", func(t *testing.T) {
		s := snapshot(100_000, 100_000, 100_000, 100_000)
		// notional = 0.5 × 100000 × 1.0 = 50,000 → 50% of equity
		s.Positions = []account.Position{pos("1", 0.5, 100_000, 1.0, 0.9)}
		br := findBreach(t, Evaluate(r, s, 0), CodeRiskPerTrade)
		require.NotNil(t, br)
		assert.Equal(t, LevelHard, br.Level)
	})

	t.Run("unknown contract size degrades to one advisory warning", func(t *testing.T) {
		s := snapshot(100_000, 100_000, 100_000, 100_000)
		s.Positions = []account.Position{
			pos("1", 5, 0, 1.1, 1.0),
			pos("2", 5, 0, 1.1, 1.0),
		}
		var advisories []Breach
		for _, b := range Evaluate(r, s, 0) {
			if b.Code == CodeRiskPerTrade {
				advisories = append(advisories, b)
			}
		}
		require.Len(t, advisories, 1)
		assert.Equal(t, LevelWarn, advisories[0].Level)
		assert.Equal(t, float64(2), advisories[0].Value)
	})

	t.Run("missing stop loss warns per position", func(t *testing.T) {
		s := snapshot(100_000, 100_000, 100_000, 100_000)
		s.Positions = []account.Position{
			pos("1", 1, 0, 1.1, 1.0),
			pos("2", 1, 0, 1.1, 0), // no SL
			pos("3", 1, 0, 1.1, 0), // no SL
		}
		count := 0
		for _, b := range Evaluate(r, s, 0) {
			if b.Code == CodeMissingStopLoss {
				count++
				assert.Equal(t, LevelWarn, b.Level)
			}
		}
		assert.Equal(t, 2, count)
	})
}

func TestEvaluateLeverage(t *testing.T) {
	r := baseRules()
	r.MaxLeverage = 100

	s := snapshot(100_000, 100_000, 100_000, 100_000)
	s.Leverage = 200
	br := findBreach(t, Evaluate(r, s, 0), CodeLeverage)
	require.NotNil(t, br)
	assert.Equal(t, LevelHard, br.Level)

	s.Leverage = 100
	assert.Nil(t, findBreach(t, Evaluate(r, s, 0), CodeLeverage))

	s.Leverage = 0 // platform does not expose it
	assert.Nil(t, findBreach(t, Evaluate(r, s, 0), CodeLeverage))
}

func TestEvaluateTradingDaysOnly(t *testing.T) {
	r := baseRules()
	r.TradingDaysOnly = true

	s := snapshot(100_000, 90_000, 100_000, 100_000)
	s.ObservedAtServer = time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC) // Saturday

	assert.Nil(t, findBreach(t, Evaluate(r, s, 100_000), CodeDailyDD),
		"weekend observation must not emit DAILY_DD")
	// Total drawdown still applies on weekends.
	assert.NotNil(t, findBreach(t, Evaluate(r, s, 100_000), CodeTotalDD))
}

func TestEvaluateIsPure(t *testing.T) {
	r := baseRules()
	s := snapshot(96_000, 94_000, 100_000, 100_000)

	first := Evaluate(r, s, 100_000)
	second := Evaluate(r, s, 100_000)
	assert.Equal(t, first, second)
}

func TestEvaluateZeroLimitsDisableChecks(t *testing.T) {
	r := Rules{Name: "empty"}.Normalize()
	s := snapshot(50_000, 40_000, 100_000, 100_000)
	s.Positions = []account.Position{{ID: "1", Symbol: "X", VolumeLots: 500}}

	assert.Empty(t, Evaluate(r, s, 100_000))
}
