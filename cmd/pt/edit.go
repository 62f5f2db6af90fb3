package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papertrailhq/papertrail/internal/entity"
	"github.com/papertrailhq/papertrail/internal/queue"
	"github.com/papertrailhq/papertrail/internal/ui"
)

var editJSON string

var editCmd = &cobra.Command{
	Use:     "edit <type> <id> --json <payload>",
	GroupID: "data",
	Short:   "Replace a record's payload",
	Long: `Update a record with a new JSON payload. Like add, the write is
optimistic: it commits locally with its queue entry and syncs later.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		id := args[1]

		if editJSON == "" || !json.Valid([]byte(editJSON)) {
			return fmt.Errorf("--json with a valid JSON payload is required")
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		q := newQueue(st)

		rec, err := st.Get(cmd.Context(), kind, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no %s with id %s", kind, id)
		}
		if err != nil {
			return err
		}
		if rec.Deleted {
			return fmt.Errorf("%s %s has been deleted", kind, id)
		}

		rec.Payload = json.RawMessage(editJSON)
		rec.UpdatedAt = entity.Now()
		rec.SyncStatus = entity.StatusPending

		err = st.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			if err := st.PutTx(cmd.Context(), tx, rec); err != nil {
				return err
			}
			snapshot, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to snapshot record: %w", err)
			}
			_, err = q.Enqueue(cmd.Context(), tx, kind, id, queue.OpUpdate, snapshot)
			return err
		})
		if errors.Is(err, queue.ErrDeletePending) {
			return fmt.Errorf("%s %s is queued for deletion; edit rejected", kind, id)
		}
		if err != nil {
			return err
		}

		fmt.Printf("%s Updated %s %s\n", ui.RenderPass("✓"), kind, ui.RenderMuted(id))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <type> <id>",
	GroupID: "data",
	Short:   "Delete a record",
	Long: `Mark a record deleted. Deletion propagates to the server as a
tombstone, so other devices see it rather than resurrecting the record;
the row disappears locally once the server confirms.

Any not-yet-pushed edits for the record are dropped from the queue.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		id := args[1]

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		q := newQueue(st)

		rec, err := st.Get(cmd.Context(), kind, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no %s with id %s", kind, id)
		}
		if err != nil {
			return err
		}

		rec.Deleted = true
		rec.UpdatedAt = entity.Now()
		rec.SyncStatus = entity.StatusPending

		err = st.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			if err := st.PutTx(cmd.Context(), tx, rec); err != nil {
				return err
			}
			snapshot, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to snapshot record: %w", err)
			}
			_, err = q.Enqueue(cmd.Context(), tx, kind, id, queue.OpDelete, snapshot)
			return err
		})
		if errors.Is(err, queue.ErrDeletePending) {
			fmt.Printf("%s %s %s is already queued for deletion\n", ui.RenderWarn("!"), kind, id)
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), kind, ui.RenderMuted(id))
		return nil
	},
}

func init() {
	editCmd.Flags().StringVar(&editJSON, "json", "", "new JSON payload")
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
}
