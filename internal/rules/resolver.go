package rules

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Source records which tier a resolved Rules came from, for auditing.
type Source string

const (
	SourceDB     Source = "db"
	SourcePreset Source = "preset"
	SourceCustom Source = "custom"
)

// ErrRuleSourceUnavailable is returned when all three resolver tiers miss.
var ErrRuleSourceUnavailable = errors.New("no rule source available")

// SoftRule is an advisory rule row from the rule store: guidance extracted
// from firm documents that is not enforceable as a numeric limit.
type SoftRule struct {
	RuleType      string  `json:"rule_type"`
	Description   string  `json:"description"`
	ChallengeType string  `json:"challenge_type,omitempty"`
	Severity      string  `json:"severity,omitempty"`
	Confidence    float64 `json:"confidence_score,omitempty"`
}

// Store is the read-only rule store consumed by the resolver and the review
// path. Implementations must report "not found" via the bool, not an error.
type Store interface {
	LookupRules(firm, programID string) (Rules, bool, error)
	SoftRules(firm, programID string) ([]SoftRule, error)
}

// Resolver implements the three-tier rule-source lookup:
// rule store (by program id) → preset registry → explicit custom Rules.
// A resolved Rules always comes from a single tier; tiers are never mixed.
type Resolver struct {
	store Store
	log   zerolog.Logger
}

// NewResolver creates a resolver. store may be nil, in which case the DB tier
// always misses.
func NewResolver(store Store, log zerolog.Logger) *Resolver {
	return &Resolver{
		store: store,
		log:   log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the Rules for (firm, programID) and the tier they came
// from. custom may be nil. Store errors are fail-soft: logged and treated as
// a tier miss. When every tier misses, ErrRuleSourceUnavailable is returned.
func (r *Resolver) Resolve(firm, programID string, custom *Rules) (Rules, Source, error) {
	if programID != "" && r.store != nil {
		lookupID := programID
		if canonical, ok := CanonicalProgramID(firm, programID); ok {
			lookupID = canonical
		}
		rr, found, err := r.store.LookupRules(firm, lookupID)
		if err != nil {
			r.log.Warn().Err(err).
				Str("firm", firm).
				Str("program_id", lookupID).
				Msg("Rule store lookup failed, falling through")
		} else if found {
			rr = rr.Normalize()
			if err := rr.Validate(); err != nil {
				return Rules{}, "", fmt.Errorf("stored rules invalid: %w", err)
			}
			return rr, SourceDB, nil
		}
	}

	if preset, ok := PresetFor(firm); ok {
		return preset, SourcePreset, nil
	}

	if custom != nil {
		cc := custom.Normalize()
		if err := cc.Validate(); err != nil {
			return Rules{}, "", fmt.Errorf("custom rules invalid: %w", err)
		}
		return cc, SourceCustom, nil
	}

	return Rules{}, "", fmt.Errorf("%w for firm %q program %q", ErrRuleSourceUnavailable, firm, programID)
}
