package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papertrailhq/papertrail/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local data and sync queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		q := newQueue(st)
		ctx := cmd.Context()

		fmt.Println(ui.RenderBold("Local data"))
		counts, err := st.CountByKind(ctx)
		if err != nil {
			return err
		}
		total := 0
		for kind, n := range counts {
			fmt.Printf("   %-13s %d\n", kind, n)
			total += n
		}
		if total == 0 {
			fmt.Println(ui.RenderMuted("   (empty)"))
		}

		fmt.Println(ui.RenderBold("Sync"))
		watermark, err := st.Watermark(ctx)
		if err != nil {
			return err
		}
		lastPush, err := st.LastPushAt(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("   server:     %s\n", orMuted(viper.GetString("server.url")))
		fmt.Printf("   last pull:  %s\n", localTime(watermark))
		fmt.Printf("   last push:  %s\n", localTime(lastPush))

		pending, err := q.Count(ctx)
		if err != nil {
			return err
		}
		if pending > 0 {
			fmt.Printf("   queued:     %s\n", ui.RenderWarn(fmt.Sprintf("%d change(s) waiting", pending)))
		} else {
			fmt.Printf("   queued:     %s\n", ui.RenderPass("none"))
		}

		dead, err := q.DeadLetters(ctx)
		if err != nil {
			return err
		}
		if len(dead) > 0 {
			fmt.Printf("   %s\n", ui.RenderFail(fmt.Sprintf("%d change(s) could not be synced:", len(dead))))
			for _, e := range dead {
				fmt.Printf("     %s %s/%s (%d attempts): %s\n",
					e.Op, e.Kind, e.EntityID, e.RetryCount, e.LastError)
			}
		}
		return nil
	},
}

func orMuted(s string) string {
	if s == "" {
		return ui.RenderMuted("not configured")
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
