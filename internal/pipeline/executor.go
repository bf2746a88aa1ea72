// Package pipeline runs ordered stages with prerequisite gating and
// blocking/non-blocking failure semantics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tolvanen/warden/internal/barrier"
	"github.com/tolvanen/warden/internal/metrics"
	"github.com/tolvanen/warden/pkg/models"
)

// ErrStageTimeout marks a dispatched worker that did not respond
// within the stage timeout. It is treated as that worker's task
// failing.
var ErrStageTimeout = errors.New("stage timeout")

// Dispatcher routes one task to the named worker target and blocks
// until a terminal outcome. The context carries the stage timeout.
type Dispatcher interface {
	Dispatch(ctx context.Context, worker string, task models.Task) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, worker string, task models.Task) error

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, worker string, task models.Task) error {
	return f(ctx, worker, task)
}

// StageStatus is the recorded outcome of one stage.
type StageStatus string

const (
	// StageSuccess means every dispatched worker succeeded.
	StageSuccess StageStatus = "success"
	// StageFailed means at least one dispatched worker failed or
	// timed out.
	StageFailed StageStatus = "failed"
	// StageSkipped means a prerequisite did not reach success, so the
	// stage was attempted-and-unsatisfied rather than dispatched.
	StageSkipped StageStatus = "skipped"
)

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	// RunCompleted means every stage was attempted.
	RunCompleted RunStatus = "completed"
	// RunAborted means a blocking stage did not reach success.
	RunAborted RunStatus = "aborted"
)

// StageResult records one stage's outcome with its collected errors.
type StageResult struct {
	Stage    string
	Status   StageStatus
	Errs     []error
	Started  time.Time
	Finished time.Time
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	Pipeline string
	RunID    string
	Status   RunStatus
	// Degraded is set when a synchronized stage's barrier unblocked by
	// timeout rather than quorum.
	Degraded bool
	Stages   []StageResult
}

// StageOutcome returns the recorded status for the named stage, or ""
// if the stage was never reached.
func (r *RunResult) StageOutcome(name string) StageStatus {
	for _, sr := range r.Stages {
		if sr.Stage == name {
			return sr.Status
		}
	}
	return ""
}

// Executor runs pipelines over a Dispatcher.
type Executor struct {
	dispatcher   Dispatcher
	barriers     *barrier.Coordinator
	stats        *metrics.Metrics
	defaultStage time.Duration
	logf         func(format string, args ...interface{})
}

// NewExecutor creates an executor. The barrier coordinator may be nil
// when no pipeline uses synchronized stages, and stats may be nil when
// counters are not wanted; defaultStage bounds stages that declare no
// timeout.
func NewExecutor(d Dispatcher, barriers *barrier.Coordinator, stats *metrics.Metrics, defaultStage time.Duration, logf func(format string, args ...interface{})) *Executor {
	if defaultStage <= 0 {
		defaultStage = time.Minute
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Executor{dispatcher: d, barriers: barriers, stats: stats, defaultStage: defaultStage, logf: logf}
}

// Execute runs the pipeline's stages in declared order. A stage is
// skipped unless every prerequisite recorded success; a blocking stage
// that does not reach success aborts the run.
func (e *Executor) Execute(ctx context.Context, p models.Pipeline) *RunResult {
	run := &RunResult{
		Pipeline: p.Name,
		RunID:    models.ShortID(),
		Status:   RunCompleted,
	}
	outcomes := make(map[string]StageStatus, len(p.Stages))

	e.logf("[pipeline %s] run %s started (%d stages)", p.Name, run.RunID, len(p.Stages))

	for _, stage := range p.Stages {
		if ctx.Err() != nil {
			run.Status = RunAborted
			break
		}

		if unmet := e.unmetPrereqs(stage, outcomes); len(unmet) > 0 {
			e.logf("[pipeline %s] stage %s skipped, unmet prerequisites %v", p.Name, stage.Name, unmet)
			outcomes[stage.Name] = StageSkipped
			run.Stages = append(run.Stages, StageResult{
				Stage:    stage.Name,
				Status:   StageSkipped,
				Started:  time.Now(),
				Finished: time.Now(),
			})
			if stage.Blocking {
				run.Status = RunAborted
				break
			}
			continue
		}

		result := e.runStage(ctx, p.Name, run, stage)
		outcomes[stage.Name] = result.Status
		run.Stages = append(run.Stages, result)

		if stage.Blocking && result.Status != StageSuccess {
			e.logf("[pipeline %s] blocking stage %s %s, aborting run", p.Name, stage.Name, result.Status)
			run.Status = RunAborted
			break
		}
	}

	e.logf("[pipeline %s] run %s %s (degraded=%v)", p.Name, run.RunID, run.Status, run.Degraded)
	return run
}

func (e *Executor) unmetPrereqs(stage models.Stage, outcomes map[string]StageStatus) []string {
	var unmet []string
	for _, dep := range stage.DependsOn {
		// Only success satisfies a prerequisite: a failed non-blocking
		// stage does not unlock its dependents.
		if outcomes[dep] != StageSuccess {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// runStage dispatches the stage's workers concurrently and waits for
// every outcome, each bounded by the stage timeout. Errors are
// collected onto the stage result, never lost.
func (e *Executor) runStage(ctx context.Context, pipelineName string, run *RunResult, stage models.Stage) StageResult {
	result := StageResult{Stage: stage.Name, Started: time.Now()}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = e.defaultStage
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	barrierName := ""
	if stage.Synchronized && e.barriers != nil {
		barrierName = pipelineName + "/" + stage.Name
		if err := e.barriers.OpenBarrier(barrierName, stage.Workers); err != nil {
			result.Errs = append(result.Errs, err)
		}
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	for _, worker := range stage.Workers {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()

			task := models.NewTask(stage.Name, nil)
			task.Workflow = pipelineName
			task.Stage = stage.Name

			err := e.dispatcher.Dispatch(stageCtx, worker, task)
			if err != nil && stageCtx.Err() == context.DeadlineExceeded {
				err = fmt.Errorf("worker %s: %w", worker, ErrStageTimeout)
			}

			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			if barrierName != "" {
				e.barriers.Acknowledge(barrierName, worker)
			}
		}(worker)
	}
	wg.Wait()

	if barrierName != "" {
		satisfied, err := e.barriers.Await(ctx, barrierName)
		if err == nil && !satisfied {
			run.Degraded = true
			if e.stats != nil {
				e.stats.BarrierTimeouts.Inc()
			}
		}
		e.barriers.Close(barrierName)
	}

	result.Errs = append(result.Errs, errs...)
	result.Finished = time.Now()
	if len(result.Errs) == 0 {
		result.Status = StageSuccess
	} else {
		result.Status = StageFailed
	}
	e.logf("[pipeline %s] stage %s %s (%d workers, %d errors)", pipelineName, stage.Name, result.Status, len(stage.Workers), len(result.Errs))
	return result
}
