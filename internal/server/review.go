package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/proptools/guardian/internal/account"
	"github.com/proptools/guardian/internal/rules"
)

// reviewRequest is the caller-supplied compliance review body. The caller
// provides the snapshot directly; no account anchor is touched.
type reviewRequest struct {
	Firm        string        `json:"firm"`
	ProgramID   string        `json:"program_id,omitempty"`
	AccountID   string        `json:"account_id"`
	Account     reviewAccount `json:"account"`
	CustomRules *rules.Rules  `json:"rules,omitempty"`

	// Soft-rule insights are included unless explicitly disabled.
	IncludeSoftRules *bool `json:"include_soft_rules,omitempty"`
}

type reviewAccount struct {
	Balance         float64            `json:"balance"`
	Equity          float64            `json:"equity"`
	StartingBalance float64            `json:"starting_balance"`
	DayStartBalance float64            `json:"day_start_balance"`
	DayStartEquity  float64            `json:"day_start_equity"`
	MarginUsed      float64            `json:"margin_used"`
	MarginAvailable float64            `json:"margin_available"`
	Leverage        float64            `json:"leverage,omitempty"`
	Currency        string             `json:"currency,omitempty"`
	Positions       []account.Position `json:"positions,omitempty"`
}

type reviewResponse struct {
	AccountID        string           `json:"account_id"`
	Firm             string           `json:"firm"`
	RulesSource      rules.Source     `json:"rules_source"`
	RulesName        string           `json:"rules_name,omitempty"`
	Status           string           `json:"status"` // compliant | needs_attention | non_compliant
	HardBreaches     []rules.Breach   `json:"hard_breaches"`
	Warnings         []rules.Breach   `json:"warnings"`
	SoftRuleInsights []rules.SoftRule `json:"soft_rule_insights,omitempty"`
	EvaluatedAt      time.Time        `json:"evaluated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleReview resolves rules and evaluates the supplied snapshot, stateless
// per call.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.AccountID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "account_id is required"})
		return
	}

	resolved, source, err := s.resolver.Resolve(req.Firm, req.ProgramID, req.CustomRules)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, rules.ErrRuleSourceUnavailable) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	now := time.Now().UTC()
	snap := account.Snapshot{
		AccountID:        req.AccountID,
		Currency:         req.Account.Currency,
		Balance:          req.Account.Balance,
		Equity:           req.Account.Equity,
		MarginUsed:       req.Account.MarginUsed,
		MarginFree:       req.Account.MarginAvailable,
		DayStartBalance:  req.Account.DayStartBalance,
		DayStartEquity:   req.Account.DayStartEquity,
		Leverage:         req.Account.Leverage,
		Positions:        req.Account.Positions,
		ObservedAtServer: now,
		ObservedAtWall:   now,
	}

	breaches := rules.Evaluate(resolved, snap, req.Account.StartingBalance)

	resp := reviewResponse{
		AccountID:    req.AccountID,
		Firm:         req.Firm,
		RulesSource:  source,
		RulesName:    resolved.Name,
		HardBreaches: []rules.Breach{},
		Warnings:     []rules.Breach{},
		EvaluatedAt:  now,
	}
	for _, b := range breaches {
		if b.Hard() {
			resp.HardBreaches = append(resp.HardBreaches, b)
		} else {
			resp.Warnings = append(resp.Warnings, b)
		}
	}
	switch {
	case len(resp.HardBreaches) > 0:
		resp.Status = "non_compliant"
	case len(resp.Warnings) > 0:
		resp.Status = "needs_attention"
	default:
		resp.Status = "compliant"
	}

	includeSoft := req.IncludeSoftRules == nil || *req.IncludeSoftRules
	if includeSoft && s.store != nil {
		soft, err := s.store.SoftRules(req.Firm, req.ProgramID)
		if err != nil {
			s.log.Warn().Err(err).Str("firm", req.Firm).Msg("Soft rule lookup failed")
		} else {
			resp.SoftRuleInsights = soft
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSoftRules lists advisory rules for a firm, optionally filtered by
// the program query parameter.
func (s *Server) handleSoftRules(w http.ResponseWriter, r *http.Request) {
	firm := chi.URLParam(r, "firm")
	program := r.URL.Query().Get("program")

	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"firm":       firm,
			"soft_rules": []rules.SoftRule{},
		})
		return
	}

	soft, err := s.store.SoftRules(firm, program)
	if err != nil {
		s.log.Error().Err(err).Str("firm", firm).Msg("Soft rule lookup failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "rule store unavailable"})
		return
	}
	if soft == nil {
		soft = []rules.SoftRule{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"firm":       firm,
		"program":    program,
		"count":      len(soft),
		"soft_rules": soft,
	})
}

// handleHealth reports liveness, plus per-account monitor status when the
// supervisor is attached (combined mode).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.statuses != nil {
		body["accounts"] = s.statuses.Statuses()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
