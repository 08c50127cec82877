package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/proptools/guardian/internal/config"
	"github.com/proptools/guardian/internal/notify"
	"github.com/proptools/guardian/internal/platform"
	"github.com/proptools/guardian/internal/rules"
)

// StopGrace is how long Stop waits for monitors to wind down before giving up.
const StopGrace = 5 * time.Second

// Supervisor resolves rules per account and runs one monitor goroutine each.
// One account failing to set up never blocks the others.
type Supervisor struct {
	resolver *rules.Resolver
	registry *notify.Registry
	anchors  AnchorStore // may be nil
	log      zerolog.Logger

	mu       sync.Mutex
	monitors []*Monitor
	failed   []Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(resolver *rules.Resolver, registry *notify.Registry, anchors AnchorStore, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		resolver: resolver,
		registry: registry,
		anchors:  anchors,
		log:      log.With().Str("component", "supervisor").Logger(),
	}
}

// Start resolves rules and spawns a monitor for each account. Accounts whose
// setup fails are recorded as FAILED and skipped. Returns the number of
// monitors started.
func (s *Supervisor) Start(ctx context.Context, accounts []config.AccountConfig) int {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	started := 0
	for _, acct := range accounts {
		m, err := s.setup(acct)
		if err != nil {
			s.log.Error().Err(err).
				Str("account", acct.AccountID).
				Str("firm", acct.Firm).
				Msg("❌ Account setup failed, skipping")
			s.mu.Lock()
			s.failed = append(s.failed, Status{
				AccountID: acct.AccountID,
				Label:     acct.Label,
				Firm:      acct.Firm,
				Platform:  acct.Platform,
				State:     StateFailed,
				LastError: err.Error(),
			})
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.monitors = append(s.monitors, m)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			m.Run(ctx)
		}()
		started++
	}

	s.log.Info().Int("monitors", started).Int("failed", len(accounts)-started).
		Msg("🚀 Supervisor started")
	return started
}

func (s *Supervisor) setup(acct config.AccountConfig) (*Monitor, error) {
	resolved, source, err := s.resolver.Resolve(acct.Firm, acct.ProgramID, acct.CustomRules)
	if err != nil {
		return nil, err
	}

	adapter, err := platform.New(platform.Platform(acct.Platform), platform.Credentials{
		AccountID:    acct.AccountID,
		BridgeURL:    acct.MT5BridgeURL,
		Server:       acct.MT5Server,
		Password:     acct.MT5Password,
		ClientID:     acct.CTraderClientID,
		ClientSecret: acct.CTraderClientSecret,
		AccessToken:  acct.CTraderAccessToken,
	})
	if err != nil {
		return nil, err
	}

	return New(acct, adapter, resolved, source, s.registry, s.anchors, s.log), nil
}

// Stop cancels all monitors and waits up to StopGrace for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Supervisor stopped")
	case <-time.After(StopGrace):
		s.log.Warn().Msg("Supervisor stop timed out, abandoning monitors")
	}
}

// Statuses returns the current status of every account, including the ones
// that failed setup.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.monitors)+len(s.failed))
	for _, m := range s.monitors {
		out = append(out, m.Status())
	}
	out = append(out, s.failed...)
	return out
}
