package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papertrailhq/papertrail/internal/entity"
	"github.com/papertrailhq/papertrail/internal/store"
	"github.com/papertrailhq/papertrail/internal/ui"
)

var (
	listLimit   int
	listDeleted bool
)

var listCmd = &cobra.Command{
	Use:     "list <type>",
	GroupID: "data",
	Short:   "List records of one type",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.List(cmd.Context(), kind, store.ListOptions{
			IncludeDeleted: listDeleted,
			Limit:          listLimit,
		})
		if err != nil {
			return err
		}

		if len(recs) == 0 {
			fmt.Printf("No %ss yet\n", kind)
			return nil
		}

		for _, rec := range recs {
			marker := statusMarker(rec)
			fmt.Printf("%s %s  %s  %s\n",
				marker,
				ui.RenderMuted(rec.ID),
				localTime(rec.UpdatedAt),
				string(rec.Payload))
		}
		fmt.Printf("\n%d %s(s)\n", len(recs), kind)
		return nil
	},
}

func statusMarker(rec *entity.Record) string {
	if rec.Deleted {
		return ui.RenderMuted("✗")
	}
	switch rec.SyncStatus {
	case entity.StatusSynced:
		return ui.RenderPass("●")
	case entity.StatusError:
		return ui.RenderFail("●")
	default:
		return ui.RenderWarn("●")
	}
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "limit the number of results")
	listCmd.Flags().BoolVar(&listDeleted, "deleted", false, "include deleted records")
	rootCmd.AddCommand(listCmd)
}
