package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axelgadomski420/hugex-sub000/internal/job"
)

// Worker sweeps the registry for pending jobs and processes them. Jobs
// within one sweep run concurrently; the next sweep starts only after the
// previous one drains, so a job is never picked up twice.
type Worker struct {
	Orc      *Orchestrator
	Interval time.Duration
}

// Run sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	slog.Info("worker started", "backend", w.Orc.Backend.Name(), "interval", interval)
	for {
		if err := w.Sweep(ctx); err != nil {
			slog.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("worker stopping")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Sweep processes every currently pending job and waits for all of them.
func (w *Worker) Sweep(ctx context.Context) error {
	jobs, err := w.Orc.Store.List(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.Status != job.StatusPending {
			continue
		}
		wg.Go(func() {
			// Jobs picked up by the worker run with the configured default
			// secrets; per-job secret values never outlive the process that
			// created the job.
			if err := w.Orc.Process(ctx, j, w.Orc.DefaultSecrets); err != nil {
				slog.Error("job processing failed", "job", j.ID, "err", err)
			}
		})
	}
	wg.Wait()
	return nil
}
