package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/proptools/guardian/internal/account"
)

// cTrader Open API endpoints and JSON payload types.
const (
	ctraderWSURL = "wss://live.ctraderapi.com:5036"

	ctPayloadAppAuthReq     = 2100
	ctPayloadAppAuthRes     = 2101
	ctPayloadAccountAuthReq = 2102
	ctPayloadAccountAuthRes = 2103
	ctPayloadErrorRes       = 2142
	ctPayloadTraderReq      = 2121
	ctPayloadTraderRes      = 2122
	ctPayloadReconcileReq   = 2124
	ctPayloadReconcileRes   = 2125
	ctPayloadSymbolByIDReq  = 2116
	ctPayloadSymbolByIDRes  = 2117
)

// CTraderAdapter speaks the cTrader Open API over its JSON WebSocket
// transport. Monetary fields arrive in cents and are rescaled with decimal;
// volumes arrive in hundredths of units.
type CTraderAdapter struct {
	creds Credentials
	log   zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	msgID   int
	pending map[string]chan json.RawMessage

	stopCh chan struct{}

	// symbol id -> metadata, filled lazily from symbol lookups
	symbols map[int64]ctSymbol
}

type ctSymbol struct {
	Name    string
	LotSize float64 // units per lot
	Digits  int
}

func NewCTraderAdapter(creds Credentials) *CTraderAdapter {
	return &CTraderAdapter{
		creds:   creds,
		log:     log.With().Str("component", "ctrader").Str("account", creds.AccountID).Logger(),
		pending: make(map[string]chan json.RawMessage),
		symbols: make(map[int64]ctSymbol),
	}
}

type ctEnvelope struct {
	PayloadType int             `json:"payloadType"`
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Connect dials the WebSocket, authenticates the application and the trading
// account, and starts the background reader.
func (a *CTraderAdapter) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: OpTimeout}
	conn, _, err := dialer.DialContext(ctx, ctraderWSURL, nil)
	if err != nil {
		return fmt.Errorf("ctrader dial: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.stopCh = make(chan struct{})
	a.symbols = make(map[int64]ctSymbol)
	a.mu.Unlock()

	go a.readLoop()

	// Application auth, then account auth with the trader's access token.
	appRes, err := a.call(ctx, ctPayloadAppAuthReq, map[string]interface{}{
		"clientId":     a.creds.ClientID,
		"clientSecret": a.creds.ClientSecret,
	})
	if err != nil {
		a.Disconnect()
		return err
	}
	if appRes.PayloadType == ctPayloadErrorRes {
		a.Disconnect()
		return &AuthError{Platform: CTrader, Reason: "application credentials rejected"}
	}

	acctRes, err := a.call(ctx, ctPayloadAccountAuthReq, map[string]interface{}{
		"ctidTraderAccountId": a.creds.AccountID,
		"accessToken":         a.creds.AccessToken,
	})
	if err != nil {
		a.Disconnect()
		return err
	}
	if acctRes.PayloadType == ctPayloadErrorRes {
		a.Disconnect()
		return &AuthError{Platform: CTrader, Reason: "access token rejected for account"}
	}

	a.log.Info().Msg("🔌 cTrader session established")
	return nil
}

func (a *CTraderAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	close(a.stopCh)
	err := a.conn.Close()
	a.conn = nil
	return err
}

// ServerTime derives broker time from the trader payload's UTC offset.
// cTrader reports UTC timestamps plus the account's time zone offset.
func (a *CTraderAdapter) ServerTime(ctx context.Context) (time.Time, error) {
	trader, err := a.trader(ctx)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.FixedZone("broker", trader.TimeZoneOffsetMinutes*60)
	return time.Now().UTC().In(loc), nil
}

type ctTrader struct {
	Balance               int64  `json:"balance"` // cents
	Equity                int64  `json:"equity"`
	UsedMargin            int64  `json:"usedMargin"`
	FreeMargin            int64  `json:"freeMargin"`
	LeverageInCents       int64  `json:"leverageInCents"` // 1:100 -> 10000
	DepositAssetID        int64  `json:"depositAssetId"`
	DepositCurrency       string `json:"depositCurrency"`
	TimeZoneOffsetMinutes int    `json:"brokerTimeZoneOffsetMinutes"`
}

func (a *CTraderAdapter) trader(ctx context.Context) (*ctTrader, error) {
	res, err := a.call(ctx, ctPayloadTraderReq, map[string]interface{}{
		"ctidTraderAccountId": a.creds.AccountID,
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Trader ctTrader `json:"trader"`
	}
	if err := json.Unmarshal(res.Payload, &body); err != nil {
		return nil, fmt.Errorf("ctrader trader payload: %w", err)
	}
	return &body.Trader, nil
}

type ctPosition struct {
	PositionID int64 `json:"positionId"`
	TradeData  struct {
		SymbolID  int64  `json:"symbolId"`
		Volume    int64  `json:"volume"` // hundredths of units
		TradeSide string `json:"tradeSide"`
		OpenTime  int64  `json:"openTimestamp"` // epoch millis
	} `json:"tradeData"`
	Price         float64 `json:"price"`
	CurrentPrice  float64 `json:"currentPrice"`
	StopLoss      float64 `json:"stopLoss"`
	TakeProfit    float64 `json:"takeProfit"`
	Swap          int64   `json:"swap"`             // cents
	Commission    int64   `json:"commission"`       // cents
	UnrealizedPnL int64   `json:"unrealizedNetPnl"` // cents
}

// Snapshot reconciles open positions and combines them with the trader state.
func (a *CTraderAdapter) Snapshot(ctx context.Context) (*account.Snapshot, error) {
	trader, err := a.trader(ctx)
	if err != nil {
		return nil, err
	}

	res, err := a.call(ctx, ctPayloadReconcileReq, map[string]interface{}{
		"ctidTraderAccountId": a.creds.AccountID,
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Positions []ctPosition `json:"position"`
	}
	if err := json.Unmarshal(res.Payload, &body); err != nil {
		return nil, fmt.Errorf("ctrader reconcile payload: %w", err)
	}

	// Broker-local time drives day rollover; no guessing on failure.
	loc := time.FixedZone("broker", trader.TimeZoneOffsetMinutes*60)
	serverTime := time.Now().UTC().In(loc)

	snap := &account.Snapshot{
		AccountID:        a.creds.AccountID,
		Platform:         string(CTrader),
		Currency:         trader.DepositCurrency,
		Balance:          centsToUnits(trader.Balance),
		Equity:           centsToUnits(trader.Equity),
		MarginUsed:       centsToUnits(trader.UsedMargin),
		MarginFree:       centsToUnits(trader.FreeMargin),
		Leverage:         float64(trader.LeverageInCents) / 100,
		ObservedAtServer: serverTime,
		ObservedAtWall:   time.Now(),
	}

	for _, p := range body.Positions {
		sym := a.symbol(ctx, p.TradeData.SymbolID)

		side := account.SideLong
		if p.TradeData.TradeSide == "SELL" {
			side = account.SideShort
		}

		// Volume is hundredths of units; lots need the symbol's lot size.
		units := float64(p.TradeData.Volume) / 100
		lots := 0.0
		contractSize := 0.0
		if sym.LotSize > 0 {
			lots = units / sym.LotSize
			contractSize = sym.LotSize
		} else {
			lots = units
		}

		pos := account.Position{
			ID:              fmt.Sprintf("%d", p.PositionID),
			Symbol:          sym.Name,
			Side:            side,
			VolumeLots:      lots,
			OpenPrice:       p.Price,
			CurrentPrice:    p.CurrentPrice,
			StopLossPrice:   p.StopLoss,
			TakeProfitPrice: p.TakeProfit,
			UnrealizedPL:    centsToUnits(p.UnrealizedPnL),
			Commission:      centsToUnits(p.Commission),
			Swap:            centsToUnits(p.Swap),
			ContractSize:    contractSize,
		}
		if p.TradeData.OpenTime > 0 {
			pos.OpenTime = time.UnixMilli(p.TradeData.OpenTime).UTC()
		}
		if pos.CurrentPrice == 0 {
			pos.CurrentPrice = pos.OpenPrice
		}
		snap.Positions = append(snap.Positions, pos)
	}

	return snap, nil
}

func (a *CTraderAdapter) Leverage(ctx context.Context) (float64, error) {
	trader, err := a.trader(ctx)
	if err != nil {
		return 0, err
	}
	return float64(trader.LeverageInCents) / 100, nil
}

// symbol resolves symbol metadata, caching per session. A zero-value ctSymbol
// means lookup failed and lot math degrades to raw units.
func (a *CTraderAdapter) symbol(ctx context.Context, id int64) ctSymbol {
	a.mu.RLock()
	sym, ok := a.symbols[id]
	a.mu.RUnlock()
	if ok {
		return sym
	}

	res, err := a.call(ctx, ctPayloadSymbolByIDReq, map[string]interface{}{
		"ctidTraderAccountId": a.creds.AccountID,
		"symbolId":            []int64{id},
	})
	if err != nil {
		a.log.Debug().Err(err).Int64("symbol_id", id).Msg("Symbol lookup failed")
		return ctSymbol{Name: fmt.Sprintf("symbol-%d", id)}
	}

	var body struct {
		Symbol []struct {
			SymbolID   int64  `json:"symbolId"`
			SymbolName string `json:"symbolName"`
			LotSize    int64  `json:"lotSize"` // hundredths of units per lot
			Digits     int    `json:"digits"`
		} `json:"symbol"`
	}
	if err := json.Unmarshal(res.Payload, &body); err != nil || len(body.Symbol) == 0 {
		return ctSymbol{Name: fmt.Sprintf("symbol-%d", id)}
	}

	s := body.Symbol[0]
	sym = ctSymbol{
		Name:    s.SymbolName,
		LotSize: float64(s.LotSize) / 100,
		Digits:  s.Digits,
	}

	a.mu.Lock()
	a.symbols[id] = sym
	a.mu.Unlock()
	return sym
}

// call sends a request envelope and waits for the matching response or ctx
// expiry. Responses are matched on clientMsgId by the background reader.
func (a *CTraderAdapter) call(ctx context.Context, payloadType int, payload interface{}) (*ctEnvelope, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("ctrader: not connected")
	}
	a.msgID++
	msgID := fmt.Sprintf("%s-%d", a.creds.AccountID, a.msgID)
	ch := make(chan json.RawMessage, 1)
	a.pending[msgID] = ch
	conn := a.conn
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, msgID)
		a.mu.Unlock()
	}()

	raw, _ := json.Marshal(payload)
	env := ctEnvelope{PayloadType: payloadType, ClientMsgID: msgID, Payload: raw}
	if err := conn.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("ctrader write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("ctrader: connection closed")
		}
		var res ctEnvelope
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("ctrader response: %w", err)
		}
		return &res, nil
	}
}

// readLoop routes response frames to waiting callers by clientMsgId.
func (a *CTraderAdapter) readLoop() {
	a.mu.RLock()
	conn := a.conn
	stopCh := a.stopCh
	a.mu.RUnlock()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			a.connected = false
			for id, ch := range a.pending {
				close(ch)
				delete(a.pending, id)
			}
			a.mu.Unlock()
			return
		}

		var env ctEnvelope
		if err := json.Unmarshal(message, &env); err != nil || env.ClientMsgID == "" {
			continue
		}

		a.mu.RLock()
		ch, ok := a.pending[env.ClientMsgID]
		a.mu.RUnlock()
		if ok {
			select {
			case ch <- message:
			default:
			}
		}
	}
}

// centsToUnits rescales a cTrader cent amount into currency units exactly.
func centsToUnits(cents int64) float64 {
	f, _ := decimal.New(cents, -2).Float64()
	return f
}
