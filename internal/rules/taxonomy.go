package rules

import "strings"

// Program taxonomy: the canonical program ids each firm offers, plus the
// aliases under which those programs show up in help-center copy and user
// input. Only the resolver and the review path consult this; the monitor
// engine always works with resolved Rules.

// FirmPrograms describes one firm's official programs and alias map. Alias
// keys are stored squashed (see squashProgram).
type FirmPrograms struct {
	Official map[string]string // id -> display name
	Aliases  map[string]string // squashed alias -> id
}

var taxonomy = map[string]FirmPrograms{
	"fundednext": {
		Official: map[string]string{
			"stellar_1step":   "Stellar 1-Step",
			"stellar_2step":   "Stellar 2-Step",
			"stellar_lite":    "Stellar Lite",
			"stellar_instant": "Stellar Instant",
		},
		Aliases: map[string]string{
			"stellar":        "stellar_1step",
			"lite":           "stellar_lite",
			"instant":        "stellar_instant",
			"funded":         "stellar_instant",
			"1stepstellar":   "stellar_1step",
			"2stepstellar":   "stellar_2step",
			"stellarchallenge": "stellar_1step",
		},
	},
	"ftmo": {
		Official: map[string]string{
			"challenge":    "FTMO Challenge",
			"verification": "Verification",
			"ftmo_account": "FTMO Account",
		},
		Aliases: map[string]string{
			"eval":       "challenge",
			"evaluation": "challenge",
			"funded":     "ftmo_account",
		},
	},
}

// CanonicalProgramID maps an externally observed program string to the firm's
// canonical program id. Matching is insensitive to case, hyphens, spaces and
// underscores: "Stellar 1-Step", "stellar_1step" and "stellar1step" all map
// to stellar_1step. Returns false when the firm or program is unknown.
func CanonicalProgramID(firm, observed string) (string, bool) {
	fp, ok := taxonomy[NormalizeFirm(firm)]
	if !ok {
		return "", false
	}
	key := squashProgram(observed)
	if key == "" {
		return "", false
	}
	for id := range fp.Official {
		if squashProgram(id) == key {
			return id, true
		}
	}
	if id, ok := fp.Aliases[key]; ok {
		return id, true
	}
	return "", false
}

// OfficialPrograms returns the canonical program ids for a firm.
func OfficialPrograms(firm string) map[string]string {
	fp, ok := taxonomy[NormalizeFirm(firm)]
	if !ok {
		return nil
	}
	return fp.Official
}

// squashProgram strips everything except letters and digits and lowercases,
// so formatting variants collapse onto one key.
func squashProgram(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
