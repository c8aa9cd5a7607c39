package main

import (
	"context"
	"errors"
	"fmt"
)

// engineBuilder builds the engine for a job; CalendarFactory.Engine in
// production.
type engineBuilder func(ctx context.Context, job JobConfig) (*Engine, error)

// BatchResult summarizes one pass over the configured jobs.
type BatchResult struct {
	Results []CycleResult
	Errors  map[string]error
}

func (b BatchResult) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		if r.Success {
			n++
		}
	}
	return n
}

func (b BatchResult) OK() bool {
	return b.Succeeded() == len(b.Results)
}

// runBatch runs every job in order, pausing between jobs that share the
// destination account. One failing job does not stop the rest.
func runBatch(ctx context.Context, app *appContext, jobs []JobConfig, build engineBuilder, force bool) BatchResult {
	batch := BatchResult{Errors: make(map[string]error)}
	pause := secondsOf(*app.config.Sync.BatchPauseSeconds)

	for i, job := range jobs {
		if i > 0 && pause > 0 {
			app.log.Printf(2, "⏸ Waiting %s before the next job\n", pause)
			if err := app.clock.Sleep(ctx, pause); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		app.log.Printf(1, "📅 Job %d/%d: %s\n", i+1, len(jobs), job.Name)
		result, err := runJob(ctx, job, build, force)
		if err != nil {
			batch.Errors[job.Name] = err
			if errors.Is(err, ErrResyncFailed) {
				app.log.Errorf("%s needs manual attention: %v", job.Name, err)
			} else {
				app.log.Errorf("%s: %v", job.Name, err)
			}
		}
		app.log.Printf(1, "  %s %s\n", statusIcon(result), result)
		batch.Results = append(batch.Results, result)
	}

	app.log.Printf(1, "🏁 %d/%d jobs succeeded\n", batch.Succeeded(), len(jobs))
	return batch
}

func runJob(ctx context.Context, job JobConfig, build engineBuilder, force bool) (CycleResult, error) {
	engine, err := build(ctx, job)
	if err != nil {
		return CycleResult{Job: job.Name, Status: StatusFailed, Reason: "setup failed"}, err
	}
	return engine.RunCycle(ctx, force)
}

func statusIcon(r CycleResult) string {
	switch {
	case !r.Success:
		return "❌"
	case r.Status == StatusSkipped:
		return "⏭"
	default:
		return "✅"
	}
}

// selectJobs returns the named job, or every job when name is empty.
func selectJobs(config *Config, name string) ([]JobConfig, error) {
	if len(config.Jobs) == 0 {
		return nil, fmt.Errorf("no [[jobs]] configured")
	}
	if name == "" {
		return config.Jobs, nil
	}
	job, ok := config.job(name)
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	return []JobConfig{job}, nil
}
