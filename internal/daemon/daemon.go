// Package daemon provides the background process that keeps the local
// cache converged with the remote API.
//
// The daemon:
//  1. Sweeps queue items left in_progress by a crashed run back to pending
//  2. Drains the mutation queue whenever a trigger fires
//  3. Periodically refreshes stale entity collections
//  4. Handles graceful shutdown
//
// Drain triggers, any of which schedules a debounced drain:
//   - the queue's enqueue signal (a local mutation wants out)
//   - a connectivity transition to online
//   - a touch of the kick file (how a separate CLI process asks the
//     running daemon for an immediate drain)
//   - the periodic tick
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coinkeep/coinkeep/internal/connectivity"
	"github.com/coinkeep/coinkeep/internal/model"
	"github.com/coinkeep/coinkeep/internal/queue"
	"github.com/coinkeep/coinkeep/internal/refresh"
	"github.com/coinkeep/coinkeep/internal/store"
	"github.com/coinkeep/coinkeep/internal/syncer"
)

// KickFileName is the file a CLI process touches to request an
// immediate drain from the running daemon.
const KickFileName = "sync.kick"

// Kick touches the kick file under dataDir. The daemon watching that
// directory schedules a drain.
func Kick(dataDir string) error {
	path := filepath.Join(dataDir, KickFileName)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to touch kick file: %w", err)
	}
	return f.Close()
}

// ConnectivityListener observes online/offline transitions. The
// dashboard handler implements it.
type ConnectivityListener interface {
	ConnectivityChanged(online bool)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a drain runs even without a trigger.
	SyncInterval time.Duration

	// RefreshInterval is how often stale collections are refreshed
	// from the server.
	RefreshInterval time.Duration

	// DebounceInterval batches rapid triggers into one drain.
	DebounceInterval time.Duration

	// StaleTimeout is the in_progress age after which the startup sweep
	// assumes a crash.
	StaleTimeout time.Duration

	// Listener receives connectivity transitions. Optional.
	Listener ConnectivityListener

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     time.Minute,
		RefreshInterval:  5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		StaleTimeout:     5 * time.Minute,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates drain triggers and periodic refreshes.
type Daemon struct {
	store   *store.Store
	queue   *queue.Queue
	engine  *syncer.Engine
	policy  *refresh.Policy
	conn    connectivity.Provider
	dataDir string
	config  *Config

	watcher *fsnotify.Watcher

	drainWanted   bool
	drainWantedAt time.Time
	drainMu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. All collaborators are required except
// config, which defaults via DefaultConfig.
func New(st *store.Store, q *queue.Queue, engine *syncer.Engine, policy *refresh.Policy, conn connectivity.Provider, dataDir string, config *Config) (*Daemon, error) {
	if st == nil || q == nil || engine == nil || policy == nil || conn == nil {
		return nil, fmt.Errorf("daemon requires store, queue, engine, policy, and connectivity provider")
	}
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:   st,
		queue:   q,
		engine:  engine,
		policy:  policy,
		conn:    conn,
		dataDir: dataDir,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// Items left in_progress by a crashed run cannot be told apart from
	// in-flight ones on disk alone; after the stale timeout, reset them.
	if _, err := d.queue.ResetStaleInProgress(d.ctx, d.config.StaleTimeout); err != nil {
		return fmt.Errorf("startup sweep failed: %w", err)
	}

	d.persistConnectivity(d.conn.Online())

	if err := d.watcher.Add(d.dataDir); err != nil {
		return fmt.Errorf("failed to watch data directory: %w", err)
	}
	d.config.Logger.Printf("Watching %s for sync requests", d.dataDir)

	d.wg.Add(4)
	go d.watchKickFile()
	go d.watchTriggers()
	go d.drainLoop()
	go d.refreshLoop()

	// Catch up on anything queued while the daemon was down.
	d.scheduleDrain("startup")

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// scheduleDrain requests a debounced drain.
func (d *Daemon) scheduleDrain(reason string) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	if !d.drainWanted {
		d.config.Logger.Printf("Drain scheduled (%s)", reason)
	}
	d.drainWanted = true
	d.drainWantedAt = time.Now()
}

// watchKickFile monitors the data directory for kick-file touches.
func (d *Daemon) watchKickFile() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) == 0 {
				continue
			}
			if filepath.Base(event.Name) != KickFileName {
				continue
			}
			d.scheduleDrain("kick file")

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// watchTriggers listens on the queue signal and connectivity changes.
func (d *Daemon) watchTriggers() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.queue.Signal():
			d.scheduleDrain("enqueue")

		case online := <-d.conn.Changes():
			d.persistConnectivity(online)
			if d.config.Listener != nil {
				d.config.Listener.ConnectivityChanged(online)
			}
			if online {
				d.scheduleDrain("back online")
			}
		}
	}
}

// drainLoop runs debounced drains plus a periodic fallback drain.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	debounce := time.NewTicker(d.config.DebounceInterval)
	defer debounce.Stop()

	periodic := time.NewTicker(d.config.SyncInterval)
	defer periodic.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-periodic.C:
			d.scheduleDrain("periodic")

		case <-debounce.C:
			d.drainMu.Lock()
			due := d.drainWanted && time.Since(d.drainWantedAt) >= d.config.DebounceInterval
			if due {
				d.drainWanted = false
			}
			d.drainMu.Unlock()

			if due {
				d.runDrain()
			}
		}
	}
}

func (d *Daemon) runDrain() {
	result, err := d.engine.Drain(d.ctx)
	if err != nil {
		if err == syncer.ErrDrainInProgress {
			d.scheduleDrain("previous drain still running")
			return
		}
		d.config.Logger.Printf("Drain failed: %v", err)
		return
	}
	if result.Skipped {
		return
	}
	if pending, err := d.queue.PendingCount(d.ctx); err == nil && pending > 0 {
		// A backlog larger than the drain bound waits for the next tick.
		d.scheduleDrain("backlog remaining")
	}
}

// refreshLoop periodically refreshes stale collections.
func (d *Daemon) refreshLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.conn.Online() {
				continue
			}
			for _, kind := range model.Kinds {
				stale, err := d.policy.ShouldRefresh(d.ctx, kind)
				if err != nil {
					d.config.Logger.Printf("Freshness check for %s failed: %v", kind, err)
					continue
				}
				if !stale {
					continue
				}
				if err := d.policy.Refresh(d.ctx, kind); err != nil {
					d.config.Logger.Printf("Refresh of %s failed: %v", kind, err)
				}
			}
		}
	}
}

// persistConnectivity records the last-known connectivity flag so a
// restart can pick up where an offline session left off.
func (d *Daemon) persistConnectivity(online bool) {
	value := "offline"
	if online {
		value = "online"
	}
	if err := d.store.SetAppState(d.ctx, store.AppStateConnectivity, value); err != nil {
		d.config.Logger.Printf("Failed to persist connectivity flag: %v", err)
	}
}
