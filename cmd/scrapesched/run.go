package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scrapesched/internal/app"
	"scrapesched/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one execution in the foreground and print its record",
	Long:  `Runs one execution with the persisted settings. Exits non-zero unless it completed.`,
	RunE:  runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFinished)
	}()

	exec, err := a.RunOnce(ctx)
	if exec.ID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(exec); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return err
	}
	if exec.Status != model.StatusCompleted {
		return fmt.Errorf("execution %s %s: %s", exec.ID, exec.Status, exec.ErrorMessage)
	}
	return nil
}
