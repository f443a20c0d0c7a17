package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/ledger"
	"github.com/strandbio/strand/internal/sandbox"
	"github.com/strandbio/strand/internal/scheduler"
	"github.com/strandbio/strand/internal/seed"
)

// Run executes the loaded pipeline, or prints the execution plan when plan
// mode is configured.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if a.cfg.Plan {
		return a.plan()
	}

	seeds, err := seed.Resolve(ctx, a.model.Seeds)
	if err != nil {
		return fmt.Errorf("resolving seeds: %w", err)
	}

	runID := uuid.NewString()
	workRoot := filepath.Join(a.set.workDir, shortID(runID))
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return fmt.Errorf("creating run working directory: %w", err)
	}

	var rec scheduler.Recorder
	var led *ledger.Ledger
	if a.set.ledgerPath != "" {
		led, err = ledger.Open(a.set.ledgerPath)
		if err != nil {
			return fmt.Errorf("opening run ledger: %w", err)
		}
		defer led.Close()
		if err := led.RunStarted(runID, a.model.Settings.Name); err != nil {
			a.logger.Warn("Failed to record run start.", "error", err)
		}
		rec = led
	}

	a.logger.Info("Starting run.",
		"run_id", runID, "workdir", workRoot,
		"max_running", a.set.maxRunning, "on_failure", string(a.set.onFailure))

	sched := scheduler.New(a.graph, sandbox.NewLocal(), rec, scheduler.Options{
		RunID:        runID,
		WorkDir:      workRoot,
		ResultsRoot:  a.set.resultsRoot,
		MaxRunning:   a.set.maxRunning,
		OnFailure:    a.set.onFailure,
		Grace:        a.set.grace,
		KeepWorkdirs: a.set.keepWorkdirs,
	})
	runErr := sched.Run(ctx, seeds)

	if led != nil {
		status := "succeeded"
		if runErr != nil {
			status = "failed"
		}
		if err := led.RunFinished(runID, status); err != nil {
			a.logger.Warn("Failed to record run completion.", "error", err)
		}
	}

	if runErr != nil {
		// Working directories of failed tasks stay behind for debugging.
		return runErr
	}

	if !a.set.keepWorkdirs {
		if err := os.RemoveAll(workRoot); err != nil {
			a.logger.Warn("Failed to reclaim run working directory.",
				"workdir", workRoot, "error", err)
		}
	}
	a.logger.Info("Run finished.", "run_id", runID, "results", a.set.resultsRoot)
	fmt.Fprintf(a.outW, "run %s succeeded; results in %s\n", shortID(runID), a.set.resultsRoot)
	return nil
}

// shortID is the run id prefix used in paths and human-facing output.
func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
