package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinkeep/coinkeep/internal/api"
	"github.com/coinkeep/coinkeep/internal/config"
	"github.com/coinkeep/coinkeep/internal/connectivity"
	"github.com/coinkeep/coinkeep/internal/ledger"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/queue"
	"github.com/coinkeep/coinkeep/internal/refresh"
	"github.com/coinkeep/coinkeep/internal/store"
	"github.com/coinkeep/coinkeep/internal/syncer"
)

var rootCmd = &cobra.Command{
	Use:   "ck",
	Short: "Offline-first personal finance client",
	Long: `ck tracks accounts, categories, and transactions in a durable local
cache, accepts mutations while offline, and syncs them against the
remote finance API when connectivity allows.

Mutations are optimistic: they appear immediately and carry a pending
marker until the server confirms them. Conflicting edits are resolved
per the configured strategy, or surfaced for manual resolution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

// app bundles the collaborators every command needs. Close it when done.
type app struct {
	cfg    *config.Config
	store  *store.Store
	queue  *queue.Queue
	client *api.Client
}

// openApp loads config and opens the durable store and queue.
func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  st,
		queue:  queue.New(st.RawDB(), nil),
		client: api.New(cfg.APIBaseURL, api.StaticToken(cfg.APIToken), nil, nil),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func (a *app) strategy() model.Strategy {
	s := model.Strategy(a.cfg.ConflictStrategy)
	if !s.Valid() {
		return model.StrategyServerWins
	}
	return s
}

func (a *app) ledger() *ledger.Ledger {
	return ledger.New(a.store, a.queue, a.strategy(), nil)
}

func (a *app) policy() *refresh.Policy {
	return refresh.New(a.store, a.client, a.cfg.RefreshMaxAge, nil)
}

func (a *app) engine(conn connectivity.Provider, notifier syncer.Notifier, logger *log.Logger) *syncer.Engine {
	return syncer.New(a.store, a.queue, a.client, conn, &syncer.Config{
		BatchSize:    a.cfg.BatchSize,
		MaxPasses:    a.cfg.MaxPasses,
		StaleTimeout: a.cfg.StaleTimeout,
		Logger:       logger,
	}, notifier)
}
