package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/service"
)

var (
	runOrgID    string
	runCallback string
	runWait     bool
)

var runCmd = &cobra.Command{
	Use:   "run <calendar-id>",
	Short: "Trigger a diagnostic run of a calendar",
	Long: `Trigger a diagnostic run of a calendar and print its run id.

With the local trigger the run executes in this process; the command waits
for it to finish and prints the results.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runOrgID, "org", "", "organization that must own the calendar")
	runCmd.Flags().StringVar(&runCallback, "callback", "", "URL notified when the run finishes")
	runCmd.Flags().BoolVar(&runWait, "wait", true, "with the local trigger, wait for the run to finish")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	ctx, a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.Close(shutdownCtx))
	}()

	info, err := a.service.Run(ctx, service.Request{
		CalendarID:  args[0],
		OrgID:       runOrgID,
		CallbackURI: runCallback,
	})
	if err != nil {
		return err
	}
	if !info.IsNew {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s already in progress\n", info.RunID.ID)
	}
	if a.cfg.Trigger.Mode != triggerLocal || !runWait {
		return printJSON(cmd.OutOrStdout(), runIDView{CalendarID: info.RunID.CalendarID, RunID: info.RunID.ID.String(), IsNew: info.IsNew})
	}
	res, err := waitForRun(ctx, a, info.RunID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), newResultsView(res))
}

// waitForRun polls the run until it is terminal.
func waitForRun(ctx context.Context, a *app, id diagnostics.RunID) (*diagnostics.Results, error) {
	poll := max(a.cfg.Diagnostics.ProviderSyncWait.Delay/4, 100*time.Millisecond)
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		res, err := a.service.Results(ctx, id)
		if err != nil {
			return nil, err
		}
		if res.Status.IsTerminal() {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
