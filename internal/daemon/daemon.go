// Package daemon provides the background sync runner.
//
// The daemon:
//  1. Runs a full sync on startup and on a periodic timer
//  2. Watches the database directory so writes from sibling processes
//     trigger a debounced push
//  3. Exposes an immediate push trigger for connectivity-regained events
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/papertrailhq/papertrail/internal/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// FullSyncInterval is how often to run a complete pull+merge+push.
	FullSyncInterval time.Duration

	// DebounceInterval is how long to wait before pushing after local
	// database activity. This batches rapid updates together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FullSyncInterval: 5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates periodic syncs and activity-triggered pushes.
type Daemon struct {
	orch   *engine.Orchestrator
	dbPath string
	config *Config

	watcher *fsnotify.Watcher

	pendingMu    sync.Mutex
	pendingSince time.Time

	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon watching the given database file's directory.
func New(orch *engine.Orchestrator, dbPath string, config *Config) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		orch:    orch,
		dbPath:  dbPath,
		config:  config,
		watcher: watcher,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// Blocks until ctx is cancelled or startup fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	// Initial full sync; failure is logged, not fatal, the device may
	// simply be offline.
	if _, err := d.orch.FullSync(ctx); err != nil && !errors.Is(err, engine.ErrSyncInProgress) {
		d.config.Logger.Printf("Initial sync failed (will retry on schedule): %v", err)
	}

	dir := filepath.Dir(d.dbPath)
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", dir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processPending()
	go d.fullSyncLoop()

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
	d.config.Logger.Println("Stopping sync daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// TriggerPush requests an immediate push, e.g. when connectivity returns.
// Non-blocking; coalesces with an already-pending trigger.
func (d *Daemon) TriggerPush() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// watchFileEvents monitors database file activity from sibling processes
// and marks a push as pending.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	base := filepath.Base(d.dbPath)

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// The WAL and the database file itself both signal commits.
			name := filepath.Base(event.Name)
			if name != base && name != base+"-wal" {
				continue
			}

			d.pendingMu.Lock()
			if d.pendingSince.IsZero() {
				d.pendingSince = time.Now()
			}
			d.pendingMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending pushes once database activity has settled for the
// debounce interval, and immediately on an explicit trigger.
func (d *Daemon) processPending() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.trigger:
			d.push()

		case <-ticker.C:
			d.pendingMu.Lock()
			due := !d.pendingSince.IsZero() &&
				time.Since(d.pendingSince) >= d.config.DebounceInterval
			if due {
				d.pendingSince = time.Time{}
			}
			d.pendingMu.Unlock()

			if due {
				d.push()
			}
		}
	}
}

// fullSyncLoop runs the periodic complete sync.
func (d *Daemon) fullSyncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FullSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if _, err := d.orch.FullSync(d.ctx); err != nil && !errors.Is(err, engine.ErrSyncInProgress) {
				d.config.Logger.Printf("Scheduled sync failed: %v", err)
			}
		}
	}
}

func (d *Daemon) push() {
	if _, err := d.orch.PushOnly(d.ctx); err != nil && !errors.Is(err, engine.ErrSyncInProgress) {
		d.config.Logger.Printf("Push failed: %v", err)
	}
}
