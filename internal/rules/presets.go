package rules

import "strings"

// Preset registry: compiled-in Rules for well-known firms. Keys are
// normalized firm names (see NormalizeFirm). The registry is immutable after
// process init and safe for concurrent reads.

var presets = map[string]Rules{
	"ftmo": {
		Name:                "FTMO",
		MaxDailyDrawdownPct: 5.0,
		MaxTotalDrawdownPct: 10.0,
		MaxOpenLots:         50.0,
		TradingDaysOnly:     false,
	},
	"fundednext": {
		Name:                "FundedNext Stellar 2-Step",
		ProgramID:           "stellar_2step",
		MaxDailyDrawdownPct: 5.0,
		MaxTotalDrawdownPct: 10.0,
		MaxRiskPerTradePct:  2.0,
		TradingDaysOnly:     true,
	},
	"alpha capital": {
		Name:                "Alpha Capital Group",
		MaxDailyDrawdownPct: 5.0,
		MaxTotalDrawdownPct: 10.0,
		RequireStopLoss:     true,
	},
}

// presetAliases maps externally observed firm names onto registry keys.
var presetAliases = map[string]string{
	"funded next":         "fundednext",
	"fundednext ltd":      "fundednext",
	"ftmo evaluation":     "ftmo",
	"alpha capital group": "alpha capital",
	"alphacapital":        "alpha capital",
}

// NormalizeFirm lowercases, trims and collapses internal whitespace so that
// "  FundedNext " and "fundednext" address the same preset.
func NormalizeFirm(firm string) string {
	return strings.Join(strings.Fields(strings.ToLower(firm)), " ")
}

// PresetFor looks up the compiled-in Rules for a firm, following aliases.
// The returned Rules are normalized.
func PresetFor(firm string) (Rules, bool) {
	key := NormalizeFirm(firm)
	if canonical, ok := presetAliases[key]; ok {
		key = canonical
	}
	r, ok := presets[key]
	if !ok {
		return Rules{}, false
	}
	return r.Normalize(), true
}

// PresetNames returns the registry keys, for `rules show` listings.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
