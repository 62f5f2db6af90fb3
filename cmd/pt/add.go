package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/papertrailhq/papertrail/internal/entity"
	"github.com/papertrailhq/papertrail/internal/queue"
	"github.com/papertrailhq/papertrail/internal/ui"
)

var (
	addTitle    string
	addMerchant string
	addAmount   float64
	addCurrency string
	addNote     string
	addDue      string
	addJSON     string
)

var addCmd = &cobra.Command{
	Use:     "add <type> [title]",
	GroupID: "data",
	Short:   "Capture a new receipt, bill, reminder or other record",
	Long: `Add a record to the local store. The write is optimistic: it commits
locally together with its sync queue entry, and is pushed to the server
on the next sync.

Examples:
  pt add receipt --merchant "ACME Hardware" --amount 49.90 --currency EUR
  pt add bill "Electricity March" --amount 88.20
  pt add reminder "Return the drill" --due "next friday"
  pt add device --json '{"name":"Dishwasher","warranty_months":24}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		if len(args) > 1 {
			addTitle = args[1]
		}

		payload, err := buildPayload(kind)
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		q := newQueue(st)

		rec := &entity.Record{
			Kind:       kind,
			ID:         entity.NewID(),
			Payload:    payload,
			UpdatedAt:  entity.Now(),
			SyncStatus: entity.StatusPending,
		}

		// Record and queue entry commit together or not at all.
		err = st.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			if err := st.PutTx(cmd.Context(), tx, rec); err != nil {
				return err
			}
			snapshot, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to snapshot record: %w", err)
			}
			_, err = q.Enqueue(cmd.Context(), tx, kind, rec.ID, queue.OpCreate, snapshot)
			return err
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Added %s %s\n", ui.RenderPass("✓"), kind, ui.RenderMuted(rec.ID))
		return nil
	},
}

// buildPayload assembles the entity payload from flags. The sync engine
// never looks inside it; this is app-layer shape only.
func buildPayload(kind entity.Kind) (json.RawMessage, error) {
	if addJSON != "" {
		if !json.Valid([]byte(addJSON)) {
			return nil, fmt.Errorf("--json is not valid JSON")
		}
		return json.RawMessage(addJSON), nil
	}

	fields := map[string]any{}
	if addTitle != "" {
		fields["title"] = addTitle
	}
	if addMerchant != "" {
		fields["merchant"] = addMerchant
	}
	if addAmount != 0 {
		fields["amount"] = addAmount
	}
	if addCurrency != "" {
		fields["currency"] = addCurrency
	}
	if addNote != "" {
		fields["note"] = addNote
	}

	if addDue != "" {
		if kind != entity.KindReminder && kind != entity.KindBill {
			return nil, fmt.Errorf("--due only applies to reminders and bills")
		}
		due, err := parseDue(addDue)
		if err != nil {
			return nil, err
		}
		fields["due_at"] = due.Format(time.RFC3339)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("nothing to add: pass a title, flags, or --json")
	}
	return json.Marshal(fields)
}

// parseDue accepts both RFC 3339 dates and natural language ("tomorrow
// at 9", "next friday").
func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand due date %q", s)
	}
	return result.Time, nil
}

func init() {
	addCmd.Flags().StringVar(&addMerchant, "merchant", "", "merchant or vendor name")
	addCmd.Flags().Float64Var(&addAmount, "amount", 0, "monetary amount")
	addCmd.Flags().StringVar(&addCurrency, "currency", "", "ISO currency code")
	addCmd.Flags().StringVar(&addNote, "note", "", "free-text note")
	addCmd.Flags().StringVar(&addDue, "due", "", `due date ("2025-04-01", "next friday")`)
	addCmd.Flags().StringVar(&addJSON, "json", "", "raw JSON payload (overrides other flags)")
	rootCmd.AddCommand(addCmd)
}
