package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/papertrailhq/papertrail/internal/bus"
	"github.com/papertrailhq/papertrail/internal/daemon"
	"github.com/papertrailhq/papertrail/internal/ui"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Keep this device in sync continuously:

  - a full sync runs on startup and then every sync.interval
  - local writes from other papertrail processes trigger a debounced push
  - committed changes are broadcast to sibling contexts over a loopback
    WebSocket hub so their views refresh

Logs rotate in the profile directory unless --foreground is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var logger *log.Logger
		if daemonForeground {
			logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		} else {
			logger = log.New(&lumberjack.Logger{
				Filename:   filepath.Join(profileDir(), "daemon.log"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			}, "[daemon] ", log.LstdFlags)
		}

		hub := bus.NewHub(&bus.HubConfig{
			Port:   viper.GetInt("hub.port"),
			Logger: logger,
		})
		if err := hub.Start(); err != nil {
			return err
		}

		events := bus.NewTee(bus.NewMemBus(), hub)

		e, err := openEnvWith(events)
		if err != nil {
			_ = hub.Close()
			return err
		}
		defer e.close()

		cfg := daemon.DefaultConfig()
		cfg.FullSyncInterval = viper.GetDuration("sync.interval")
		cfg.Logger = logger

		d, err := daemon.New(e.orch, e.store.Path(), cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Sync daemon running (hub %s), Ctrl-C to stop\n",
			ui.RenderAccent("⇅"), hub.Addr())
		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false,
		"log to stderr instead of the rotating log file")
	rootCmd.AddCommand(daemonCmd)
}
