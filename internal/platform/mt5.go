package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proptools/guardian/internal/account"
)

// MT5Adapter talks to a local MT5 REST bridge (the terminal itself has no
// HTTP API, so a bridge process wraps it). All calls carry the session token
// obtained at login.
type MT5Adapter struct {
	creds  Credentials
	client *http.Client
	log    zerolog.Logger

	mu    sync.RWMutex
	token string

	// contract sizes by symbol, fetched once per symbol per session
	contractSizes map[string]float64
}

func NewMT5Adapter(creds Credentials) *MT5Adapter {
	return &MT5Adapter{
		creds:         creds,
		client:        &http.Client{Timeout: OpTimeout},
		log:           log.With().Str("component", "mt5").Str("account", creds.AccountID).Logger(),
		contractSizes: make(map[string]float64),
	}
}

type mt5LoginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type mt5LoginResponse struct {
	Token string `json:"token"`
}

// Connect logs into the bridge and stores the session token.
func (a *MT5Adapter) Connect(ctx context.Context) error {
	body, _ := json.Marshal(mt5LoginRequest{
		Account:  a.creds.AccountID,
		Password: a.creds.Password,
		Server:   a.creds.Server,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.url("/api/v1/login"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("mt5 bridge login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Platform: MT5, Reason: "bridge rejected credentials"}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mt5 bridge login: status %d", resp.StatusCode)
	}

	var lr mt5LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("mt5 bridge login: %w", err)
	}
	if lr.Token == "" {
		return &AuthError{Platform: MT5, Reason: "empty session token"}
	}

	a.mu.Lock()
	a.token = lr.Token
	a.contractSizes = make(map[string]float64)
	a.mu.Unlock()

	a.log.Info().Str("server", a.creds.Server).Msg("🔌 MT5 bridge session established")
	return nil
}

// Disconnect drops the session token. The bridge expires sessions on its own.
func (a *MT5Adapter) Disconnect() error {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
	return nil
}

type mt5ServerTime struct {
	// Broker-local time with the broker's UTC offset already applied.
	Time string `json:"time"` // RFC 3339
}

func (a *MT5Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	var st mt5ServerTime
	if err := a.get(ctx, "/api/v1/server-time", &st); err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339, st.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("mt5 server time %q: %w", st.Time, err)
	}
	return ts, nil
}

type mt5Snapshot struct {
	Account struct {
		Login      string  `json:"login"`
		Currency   string  `json:"currency"`
		Balance    float64 `json:"balance"`
		Equity     float64 `json:"equity"`
		Margin     float64 `json:"margin"`
		MarginFree float64 `json:"margin_free"`
		Leverage   float64 `json:"leverage"`
	} `json:"account"`
	Positions []struct {
		Ticket     int64   `json:"ticket"`
		Symbol     string  `json:"symbol"`
		Type       int     `json:"type"` // 0 buy, 1 sell
		Volume     float64 `json:"volume"`
		PriceOpen  float64 `json:"price_open"`
		PriceNow   float64 `json:"price_current"`
		StopLoss   float64 `json:"sl"`
		TakeProfit float64 `json:"tp"`
		Profit     float64 `json:"profit"`
		Swap       float64 `json:"swap"`
		TimeOpen   int64   `json:"time"` // epoch seconds
	} `json:"positions"`
	ServerTime string `json:"server_time"`
}

// Snapshot fetches the account state and open positions in one bridge call
// and resolves contract sizes for any symbols not yet cached.
func (a *MT5Adapter) Snapshot(ctx context.Context) (*account.Snapshot, error) {
	var raw mt5Snapshot
	if err := a.get(ctx, "/api/v1/snapshot", &raw); err != nil {
		return nil, err
	}

	// Broker-local time drives day rollover; the wall clock is not a
	// substitute when the bridge omits it.
	if raw.ServerTime == "" {
		return nil, fmt.Errorf("mt5 snapshot: bridge response missing server_time")
	}
	serverTime, err := time.Parse(time.RFC3339, raw.ServerTime)
	if err != nil {
		return nil, fmt.Errorf("mt5 snapshot server_time %q: %w", raw.ServerTime, err)
	}

	snap := &account.Snapshot{
		AccountID:        a.creds.AccountID,
		Platform:         string(MT5),
		Currency:         raw.Account.Currency,
		Balance:          raw.Account.Balance,
		Equity:           raw.Account.Equity,
		MarginUsed:       raw.Account.Margin,
		MarginFree:       raw.Account.MarginFree,
		Leverage:         raw.Account.Leverage,
		ObservedAtServer: serverTime,
		ObservedAtWall:   time.Now(),
	}

	for _, p := range raw.Positions {
		side := account.SideLong
		if p.Type == 1 {
			side = account.SideShort
		}
		pos := account.Position{
			ID:              fmt.Sprintf("%d", p.Ticket),
			Symbol:          p.Symbol,
			Side:            side,
			VolumeLots:      p.Volume,
			OpenPrice:       p.PriceOpen,
			CurrentPrice:    p.PriceNow,
			StopLossPrice:   p.StopLoss,
			TakeProfitPrice: p.TakeProfit,
			UnrealizedPL:    p.Profit,
			Swap:            p.Swap,
			ContractSize:    a.contractSize(ctx, p.Symbol),
		}
		if p.TimeOpen > 0 {
			pos.OpenTime = time.Unix(p.TimeOpen, 0).UTC()
		}
		snap.Positions = append(snap.Positions, pos)
	}

	return snap, nil
}

func (a *MT5Adapter) Leverage(ctx context.Context) (float64, error) {
	var raw mt5Snapshot
	if err := a.get(ctx, "/api/v1/snapshot", &raw); err != nil {
		return 0, err
	}
	return raw.Account.Leverage, nil
}

type mt5SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	ContractSize float64 `json:"trade_contract_size"`
	Digits       int     `json:"digits"`
}

// contractSize resolves a symbol's contract size, caching per session.
// Returns 0 when the bridge cannot answer; notional checks then degrade.
func (a *MT5Adapter) contractSize(ctx context.Context, symbol string) float64 {
	a.mu.RLock()
	size, ok := a.contractSizes[symbol]
	a.mu.RUnlock()
	if ok {
		return size
	}

	var info mt5SymbolInfo
	if err := a.get(ctx, "/api/v1/symbol/"+symbol, &info); err != nil {
		a.log.Debug().Err(err).Str("symbol", symbol).Msg("Symbol info unavailable")
		return 0
	}

	a.mu.Lock()
	a.contractSizes[symbol] = info.ContractSize
	a.mu.Unlock()
	return info.ContractSize
}

func (a *MT5Adapter) get(ctx context.Context, path string, out interface{}) error {
	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()
	if token == "" {
		return fmt.Errorf("mt5 bridge: not connected")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("mt5 bridge %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Platform: MT5, Reason: "session token rejected"}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mt5 bridge %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *MT5Adapter) url(path string) string {
	return strings.TrimRight(a.creds.BridgeURL, "/") + path
}
