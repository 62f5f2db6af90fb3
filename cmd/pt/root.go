package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papertrailhq/papertrail/internal/bus"
	"github.com/papertrailhq/papertrail/internal/engine"
	"github.com/papertrailhq/papertrail/internal/entity"
	"github.com/papertrailhq/papertrail/internal/merge"
	"github.com/papertrailhq/papertrail/internal/queue"
	"github.com/papertrailhq/papertrail/internal/remote"
	"github.com/papertrailhq/papertrail/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pt",
	Short: "papertrail - receipts, warranties and bills that follow you across devices",
	Long: `papertrail keeps your receipts, device warranties, household bills,
documents, subscriptions and reminders on this device and syncs them
with your account whenever a connection is available.

All commands work offline; changes are queued and pushed later.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ~/.papertrail/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)
}

// initConfig loads the config file and PT_* environment overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(profileDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db.path", filepath.Join(profileDir(), "papertrail.db"))
	viper.SetDefault("sync.interval", "5m")
	viper.SetDefault("sync.concurrency", 4)
	viper.SetDefault("sync.max_retries", 5)
	viper.SetDefault("sync.timeout", "30s")
	viper.SetDefault("hub.port", 7519)

	// Missing config file is fine until a command needs the server.
	_ = viper.ReadInConfig()
}

func profileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".papertrail"
	}
	return filepath.Join(home, ".papertrail")
}

// env bundles everything a command needs, wired from configuration.
type env struct {
	store *store.Store
	queue *queue.Queue
	orch  *engine.Orchestrator
	bus   bus.Bus
}

// openStore opens the local database for commands that don't sync.
func openStore() (*store.Store, error) {
	st, err := store.Open(viper.GetString("db.path"))
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// newQueue builds the mutation queue with the configured retry policy.
func newQueue(st *store.Store) *queue.Queue {
	return queue.New(st, queue.Config{
		MaxRetries: viper.GetInt("sync.max_retries"),
	})
}

// openEnv wires the full engine: store, queue, remote client, merge
// resolver, push/pull engines and the orchestrator.
func openEnv() (*env, error) {
	return openEnvWith(bus.NewMemBus())
}

// openEnvWith wires the engine over a caller-supplied event bus; the
// daemon passes a hub-backed one so sibling contexts get notified.
func openEnvWith(events bus.Bus) (*env, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}

	q := newQueue(st)

	serverURL := viper.GetString("server.url")
	if serverURL == "" {
		_ = st.Close()
		return nil, fmt.Errorf("no server configured; run 'pt init' first")
	}

	tokens := remote.NewTokenSource(viper.GetString("server.token"), nil)
	client, err := remote.New(remote.Config{
		BaseURL:  serverURL,
		DeviceID: viper.GetString("device.id"),
		Timeout:  viper.GetDuration("sync.timeout"),
	}, tokens)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	resolver := merge.New(st, q, nil)
	puller := engine.NewPuller(st, client, nil)
	pusher := engine.NewPusher(st, q, client, events, engine.PusherConfig{
		Concurrency: viper.GetInt("sync.concurrency"),
	})
	orch := engine.NewOrchestrator(st, puller, resolver, pusher, events, nil)

	return &env{store: st, queue: q, orch: orch, bus: events}, nil
}

func (e *env) close() {
	_ = e.bus.Close()
	_ = e.store.Close()
}

// localTime formats a unix-ms timestamp for display.
func localTime(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

// parseKind validates a kind argument.
func parseKind(arg string) (entity.Kind, error) {
	k := entity.Kind(strings.ToLower(arg))
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity type %q (one of: receipt, device, bill, document, subscription, reminder)", arg)
	}
	return k, nil
}
