package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"canonplan/internal/model"
)

var (
	recordUser      string
	recordTitle     string
	recordAction    string
	recordSignature string
	recordAt        string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append a completion or deletion to a user's history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.User(recordUser) == nil {
			return fmt.Errorf("unknown user %q", recordUser)
		}
		rec := model.CompletionRecord{
			Signature: recordSignature,
			Title:     recordTitle,
			Action:    model.Action(recordAction),
		}
		if recordAt != "" {
			at, err := model.ParseTimestamp(recordAt, cfg.Location(cfg.User(recordUser)))
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			rec.Timestamp = at
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Record(cmd.Context(), recordUser, rec); err != nil {
			return err
		}
		when := rec.Timestamp
		if when.IsZero() {
			when = time.Now()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %s %q for %s at %s\n", rec.Action, rec.Title, recordUser, when.Format(time.RFC3339))
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordUser, "user", "u", "", "user id")
	recordCmd.Flags().StringVarP(&recordTitle, "title", "t", "", "item title")
	recordCmd.Flags().StringVarP(&recordAction, "action", "a", string(model.ActionCompleted), "completed or deleted")
	recordCmd.Flags().StringVar(&recordSignature, "signature", "", "item signature, if known")
	recordCmd.Flags().StringVar(&recordAt, "at", "", "when it happened (defaults to now)")
	_ = recordCmd.MarkFlagRequired("user")
	_ = recordCmd.MarkFlagRequired("title")
}
