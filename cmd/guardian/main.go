// Guardian - Prop-Firm Compliance Monitor
//
// Watches funded trading accounts against their firm's compliance contract:
// daily/total drawdown, exposure, margin level, stop-loss discipline. Rules
// come from the rule store (by program id), from compiled-in firm presets,
// or from explicit inline configuration.
//
// Subcommands:
//   monitor [--config FILE]        run the account monitors (plus /health)
//   review  [--port N]             run the stateless compliance review API
//   rules show --firm F [--program P]   print the resolved rules
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proptools/guardian/internal/config"
	"github.com/proptools/guardian/internal/monitor"
	"github.com/proptools/guardian/internal/notify"
	"github.com/proptools/guardian/internal/rules"
	"github.com/proptools/guardian/internal/server"
	"github.com/proptools/guardian/internal/store"
)

const version = "1.0.0"

// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// runtime error.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Configuration error")
		os.Exit(exitConfig)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "monitor":
		os.Exit(runMonitor(cfg, os.Args[2:]))
	case "review":
		os.Exit(runReview(cfg, os.Args[2:]))
	case "rules":
		os.Exit(runRules(cfg, os.Args[2:]))
	case "version", "--version":
		fmt.Println("guardian " + version)
		os.Exit(exitOK)
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: guardian <command>

commands:
  monitor [--config FILE]              run the account monitors
  review  [--port N]                   run the compliance review API
  rules show --firm F [--program P]    print the resolved rules and source`)
}

func runMonitor(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	configFile := fs.String("config", cfg.AccountsFile, "accounts file (JSON)")
	withAPI := fs.Bool("with-api", true, "also serve /health and /compliance/review")
	fs.Parse(args)

	accounts, err := loadAccountSet(*configFile)
	if err != nil {
		log.Error().Err(err).Msg("Configuration error")
		return exitConfig
	}
	if len(accounts) == 0 {
		log.Error().Msg("No enabled accounts configured")
		return exitConfig
	}

	db, resolver := openStore(cfg)

	registry := notify.NewRegistry()
	registry.Register(notify.NewTerminalSink())
	if cfg.TelegramToken != "" {
		sink, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram sink disabled")
		} else {
			registry.Register(sink)
		}
	}

	var anchors monitor.AnchorStore
	if db != nil {
		anchors = db
	}
	supervisor := monitor.NewSupervisor(resolver, registry, anchors, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().
		Str("version", version).
		Int("accounts", len(accounts)).
		Msg("🛡️ Guardian starting...")

	started := supervisor.Start(ctx, accounts)
	if started == 0 {
		log.Error().Msg("Every account failed setup")
		registry.Stop()
		return exitRuntime
	}

	serverErr := make(chan error, 1)
	if *withAPI {
		var ruleStore rules.Store
		if db != nil {
			ruleStore = db
		}
		srv := server.New(resolver, ruleStore, supervisor)
		go func() {
			serverErr <- srv.Start(ctx, cfg.HTTPPort)
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
			code = exitRuntime
		}
	}

	cancel()
	supervisor.Stop()
	registry.Stop()
	log.Info().Msg("👋 Goodbye!")
	return code
}

func runReview(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	port := fs.Int("port", cfg.HTTPPort, "listen port")
	fs.Parse(args)

	db, resolver := openStore(cfg)
	var ruleStore rules.Store
	if db != nil {
		ruleStore = db
	}

	srv := server.New(resolver, ruleStore, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("🛑 Received shutdown signal")
		cancel()
	}()

	log.Info().Str("version", version).Msg("🛡️ Guardian review API starting...")
	if err := srv.Start(ctx, *port); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
		return exitRuntime
	}
	return exitOK
}

func runRules(cfg *config.Config, args []string) int {
	if len(args) < 1 || args[0] != "show" {
		fmt.Fprintln(os.Stderr, "usage: guardian rules show --firm F [--program P]")
		return exitConfig
	}

	fs := flag.NewFlagSet("rules show", flag.ExitOnError)
	firm := fs.String("firm", "", "firm name")
	program := fs.String("program", "", "program id or alias")
	fs.Parse(args[1:])

	if *firm == "" {
		fmt.Fprintln(os.Stderr, "rules show: --firm is required")
		fmt.Fprintf(os.Stderr, "known presets: %v\n", rules.PresetNames())
		return exitConfig
	}

	_, resolver := openStore(cfg)

	resolved, source, err := resolver.Resolve(*firm, *program, nil)
	if err != nil {
		log.Error().Err(err).Msg("No rules found")
		return exitConfig
	}

	out, _ := json.MarshalIndent(resolved, "", "  ")
	fmt.Printf("source: %s\n%s\n", source, out)
	return exitOK
}

// openStore opens the rule store and builds the resolver over it. A store
// failure is not fatal: the resolver falls back to presets and inline rules.
func openStore(cfg *config.Config) (*store.Store, *rules.Resolver) {
	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Rule store unavailable, presets and inline rules only")
		return nil, rules.NewResolver(nil, log.Logger)
	}
	return db, rules.NewResolver(db, log.Logger)
}

// loadAccountSet reads the accounts file, falling back to the GUARDIAN_*
// single-account environment form when no file is present.
func loadAccountSet(path string) ([]config.AccountConfig, error) {
	if _, err := os.Stat(path); err == nil {
		return config.LoadAccounts(path)
	}

	acct, ok, err := config.AccountFromEnv()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("accounts file %s not found and GUARDIAN_ACCOUNT_ID not set", path)
	}
	return []config.AccountConfig{*acct}, nil
}
