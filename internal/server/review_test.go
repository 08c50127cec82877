package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proptools/guardian/internal/monitor"
	"github.com/proptools/guardian/internal/rules"
)

type fakeStore struct {
	rules map[string]rules.Rules
	soft  []rules.SoftRule
	err   error
}

func (f *fakeStore) LookupRules(firm, programID string) (rules.Rules, bool, error) {
	if f.err != nil {
		return rules.Rules{}, false, f.err
	}
	r, ok := f.rules[firm+"|"+programID]
	return r, ok, nil
}

func (f *fakeStore) SoftRules(firm, programID string) ([]rules.SoftRule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.soft, nil
}

func newTestServer(store rules.Store, statuses StatusProvider) *Server {
	return New(rules.NewResolver(store, zerolog.Nop()), store, statuses)
}

func postReview(t *testing.T, srv *Server, body map[string]interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/compliance/review", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	return rec, decoded
}

func TestReviewNonCompliant(t *testing.T) {
	srv := newTestServer(nil, nil)

	rec, resp := postReview(t, srv, map[string]interface{}{
		"firm":       "ftmo",
		"account_id": "acct-1",
		"account": map[string]interface{}{
			"balance":           96_000,
			"equity":            94_000,
			"starting_balance":  100_000,
			"day_start_balance": 100_000,
			"day_start_equity":  100_000,
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "non_compliant", resp["status"])
	assert.Equal(t, "preset", resp["rules_source"])
	hard := resp["hard_breaches"].([]interface{})
	require.NotEmpty(t, hard)
	first := hard[0].(map[string]interface{})
	assert.Equal(t, "DAILY_DD", first["code"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReviewCompliant(t *testing.T) {
	srv := newTestServer(nil, nil)

	rec, resp := postReview(t, srv, map[string]interface{}{
		"firm":       "ftmo",
		"account_id": "acct-1",
		"account": map[string]interface{}{
			"balance":           100_500,
			"equity":            100_200,
			"starting_balance":  100_000,
			"day_start_balance": 100_000,
			"day_start_equity":  100_000,
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "compliant", resp["status"])
	assert.Empty(t, resp["hard_breaches"])
	assert.Empty(t, resp["warnings"])
}

func TestReviewNeedsAttention(t *testing.T) {
	srv := newTestServer(nil, nil)

	_, resp := postReview(t, srv, map[string]interface{}{
		"firm":       "ftmo",
		"account_id": "acct-1",
		"account": map[string]interface{}{
			"balance":           100_000,
			"equity":            95_500, // 4.5% daily, inside the warn band
			"starting_balance":  100_000,
			"day_start_balance": 100_000,
			"day_start_equity":  100_000,
		},
	})

	assert.Equal(t, "needs_attention", resp["status"])
	warnings := resp["warnings"].([]interface{})
	require.Len(t, warnings, 1)
}

func TestReviewUsesStoredRulesWithSoftInsights(t *testing.T) {
	store := &fakeStore{
		rules: map[string]rules.Rules{
			"FundedNext|stellar_2step": {Name: "DB Stellar", MaxDailyDrawdownPct: 5},
		},
		soft: []rules.SoftRule{
			{RuleType: "news_trading", Description: "avoid holding through red-folder news", Severity: "optional"},
		},
	}
	srv := newTestServer(store, nil)

	_, resp := postReview(t, srv, map[string]interface{}{
		"firm":               "FundedNext",
		"program_id":         "stellar_2step",
		"account_id":         "acct-1",
		"include_soft_rules": true,
		"account": map[string]interface{}{
			"balance":           100_000,
			"equity":            100_000,
			"starting_balance":  100_000,
			"day_start_balance": 100_000,
			"day_start_equity":  100_000,
		},
	})

	assert.Equal(t, "db", resp["rules_source"])
	assert.Equal(t, "DB Stellar", resp["rules_name"])
	insights := resp["soft_rule_insights"].([]interface{})
	require.Len(t, insights, 1)
	first := insights[0].(map[string]interface{})
	assert.Equal(t, "news_trading", first["rule_type"])
}

func TestReviewSoftInsightsDefaultOn(t *testing.T) {
	store := &fakeStore{soft: []rules.SoftRule{
		{RuleType: "news_trading", Description: "avoid holding through red-folder news", Severity: "optional"},
	}}
	srv := newTestServer(store, nil)

	acct := map[string]interface{}{
		"balance":           100_000,
		"equity":            100_000,
		"starting_balance":  100_000,
		"day_start_balance": 100_000,
		"day_start_equity":  100_000,
	}

	t.Run("flag omitted includes insights", func(t *testing.T) {
		_, resp := postReview(t, srv, map[string]interface{}{
			"firm":       "ftmo",
			"account_id": "acct-1",
			"account":    acct,
		})
		insights := resp["soft_rule_insights"].([]interface{})
		require.Len(t, insights, 1)
	})

	t.Run("explicit false suppresses insights", func(t *testing.T) {
		_, resp := postReview(t, srv, map[string]interface{}{
			"firm":               "ftmo",
			"account_id":         "acct-1",
			"include_soft_rules": false,
			"account":            acct,
		})
		assert.NotContains(t, resp, "soft_rule_insights")
	})
}

func TestReviewUnknownFirmIs404(t *testing.T) {
	srv := newTestServer(nil, nil)

	rec, resp := postReview(t, srv, map[string]interface{}{
		"firm":       "nobody anyone knows",
		"account_id": "acct-1",
		"account":    map[string]interface{}{"balance": 1, "equity": 1},
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, resp["error"], "no rule source available")
}

func TestReviewValidation(t *testing.T) {
	srv := newTestServer(nil, nil)

	t.Run("missing account_id", func(t *testing.T) {
		rec, resp := postReview(t, srv, map[string]interface{}{"firm": "ftmo"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, resp["error"], "account_id")
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/compliance/review", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSoftRulesEndpoint(t *testing.T) {
	store := &fakeStore{soft: []rules.SoftRule{
		{RuleType: "consistency", Description: "keep daily profits under 30% of total", Severity: "optional"},
	}}
	srv := newTestServer(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/firms/fundednext/soft-rules?program=stellar_2step", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fundednext", resp["firm"])
	assert.Equal(t, float64(1), resp["count"])
}

func TestSoftRulesStoreErrorIs502(t *testing.T) {
	srv := newTestServer(&fakeStore{err: errors.New("boom")}, nil)

	req := httptest.NewRequest(http.MethodGet, "/firms/ftmo/soft-rules", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type fakeStatuses struct{ statuses []monitor.Status }

func (f *fakeStatuses) Statuses() []monitor.Status { return f.statuses }

func TestHealth(t *testing.T) {
	t.Run("review-only mode", func(t *testing.T) {
		srv := newTestServer(nil, nil)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp["status"])
		assert.NotContains(t, resp, "accounts")
	})

	t.Run("combined mode includes account statuses", func(t *testing.T) {
		srv := newTestServer(nil, &fakeStatuses{statuses: []monitor.Status{
			{AccountID: "acct-1", State: monitor.StateObserving},
		}})
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		accounts := resp["accounts"].([]interface{})
		require.Len(t, accounts, 1)
		first := accounts[0].(map[string]interface{})
		assert.Equal(t, "OBSERVING", first["state"])
	})
}
