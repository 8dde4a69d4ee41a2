package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"goa.design/syncdiag/runtime/diagnostics"
)

var resultsCmd = &cobra.Command{
	Use:   "results <calendar-id> <run-id>",
	Short: "Print the results of a diagnostic run",
	Args:  cobra.ExactArgs(2),
	RunE:  runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

type (
	runIDView struct {
		CalendarID string `json:"calendarId"`
		RunID      string `json:"runId"`
		IsNew      bool   `json:"isNew"`
	}

	resultsView struct {
		CalendarID string              `json:"calendarId"`
		RunID      string              `json:"runId"`
		Status     diagnostics.Status  `json:"status"`
		StartedAt  *time.Time          `json:"startedAt,omitempty"`
		FinishedAt *time.Time          `json:"finishedAt,omitempty"`
		Duration   string              `json:"duration,omitempty"`
		ExpiresAt  *time.Time          `json:"expiresAt,omitempty"`
		Events     []diagnostics.Event `json:"events"`
	}
)

func runResults(cmd *cobra.Command, args []string) (err error) {
	id, err := diagnostics.ParseRunID(args[0], args[1])
	if err != nil {
		return err
	}
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()
	res, err := a.service.Results(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), newResultsView(res))
}

func newResultsView(r *diagnostics.Results) resultsView {
	v := resultsView{
		CalendarID: r.RunID.CalendarID,
		RunID:      r.RunID.ID.String(),
		Status:     r.Status,
		StartedAt:  timePtr(r.StartedAt),
		FinishedAt: timePtr(r.FinishedAt),
		ExpiresAt:  timePtr(r.ExpiresAt),
		Events:     r.Events,
	}
	if v.Events == nil {
		v.Events = []diagnostics.Event{}
	}
	if d, ok := r.Duration(); ok {
		v.Duration = d.String()
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
