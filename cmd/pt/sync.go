package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/papertrailhq/papertrail/internal/engine"
	"github.com/papertrailhq/papertrail/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Full sync with the server (pull, merge, push)",
	Long: `Run a complete sync cycle:
  1. Pull everything changed on the server since the last sync
  2. Merge it into the local store (last write wins)
  3. Push queued local changes

Pull always runs before push so this device sees other devices'
changes before overwriting anything on the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("⇅"))
		start := time.Now()

		result, err := e.orch.FullSync(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"),
			time.Since(start).Round(time.Millisecond))
		printResult(result)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Push queued local changes without pulling",
	Long: `Flush the mutation queue to the server. Faster than a full sync;
use when you just want local edits uploaded. The next 'pt sync'
reconciles changes from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		result, err := e.orch.PushOnly(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%s Push complete\n", ui.RenderPass("✓"))
		printResult(result)
		return nil
	},
}

func printResult(r *engine.SyncResult) {
	if r.Pull != nil {
		fmt.Printf("   Pulled:  %d applied, %d already current", r.Pull.Applied, r.Pull.Skipped)
		if r.Pull.Superseded > 0 {
			fmt.Printf(", %d local edits superseded", r.Pull.Superseded)
		}
		fmt.Println()
	}
	if r.Push != nil {
		fmt.Printf("   Pushed:  %d succeeded, %d failed", r.Push.Succeeded, r.Push.Failed)
		if r.Push.DeadLettered > 0 {
			fmt.Printf(", %s", ui.RenderFail(fmt.Sprintf("%d dead-lettered", r.Push.DeadLettered)))
		}
		fmt.Println()
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pushCmd)
}
