package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"scrapesched/internal/app"
)

var (
	historyLimit int
	historyID    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent executions, or show one with --id",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of executions to list")
	historyCmd.Flags().StringVar(&historyID, "id", "", "show the full record of one execution")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFinished)
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	if historyID != "" {
		e, err := a.Store().Get(ctx, historyID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	}

	list, err := a.Store().Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tUNITS\tPROPERTIES")
	for _, e := range list {
		dur := "-"
		if e.EndTime != nil {
			dur = e.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d/%d\n",
			e.ID, e.Status, e.Trigger, e.StartTime.Local().Format(time.DateTime), dur,
			e.SuccessfulSearches, e.TotalSearches, e.PropertiesSaved, e.TotalProperties)
	}
	return tw.Flush()
}
