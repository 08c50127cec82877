// Package platform holds the trading-platform adapters. Each adapter speaks
// one broker API and normalizes its account data into account.Snapshot; the
// monitor engine never sees platform wire formats.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proptools/guardian/internal/account"
)

// Platform identifies a supported trading platform.
type Platform string

const (
	MT5     Platform = "mt5"
	CTrader Platform = "ctrader"
)

// OpTimeout bounds every single adapter operation. Callers wrap their context
// with it before each call.
const OpTimeout = 10 * time.Second

// AuthError marks a credential rejection. Monitors treat it as fatal for the
// account instead of retrying.
type AuthError struct {
	Platform Platform
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Platform, e.Reason)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Adapter is the normalized platform surface consumed by the monitor engine.
// Snapshot must populate every account.Snapshot field except the day-start
// anchors, which the anchor tracker fills in.
type Adapter interface {
	// Connect establishes the session. Credential rejections return AuthError.
	Connect(ctx context.Context) error
	// Disconnect tears the session down. Safe to call when not connected.
	Disconnect() error
	// ServerTime returns the broker's current local time, used for day
	// rollover decisions.
	ServerTime(ctx context.Context) (time.Time, error)
	// Snapshot returns the current account state with all open positions.
	Snapshot(ctx context.Context) (*account.Snapshot, error)
	// Leverage returns the account leverage denominator (e.g. 100 for
	// 1:100), or 0 when the platform does not expose it.
	Leverage(ctx context.Context) (float64, error)
}

// Credentials carries the per-account settings an adapter needs. Fields not
// relevant to the selected platform stay empty.
type Credentials struct {
	AccountID string

	// MT5 bridge
	BridgeURL string
	Server    string
	Password  string

	// cTrader Open API
	ClientID     string
	ClientSecret string
	AccessToken  string
}

// New builds the adapter for a platform.
func New(p Platform, creds Credentials) (Adapter, error) {
	switch p {
	case MT5:
		return NewMT5Adapter(creds), nil
	case CTrader:
		return NewCTraderAdapter(creds), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", p)
	}
}
