package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tolvanen/warden/internal/pipeline"
	"github.com/tolvanen/warden/pkg/models"
)

// TaskRecord is one persisted task outcome.
type TaskRecord struct {
	ID         string
	Type       string
	OriginID   string
	Workflow   string
	Stage      string
	Outcome    models.TaskOutcome
	InstanceID string
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// InstanceRecord is one persisted worker instance lifetime.
type InstanceRecord struct {
	ID         string
	Descriptor string
	Category   models.Category
	Pid        int
	SpawnedAt  time.Time
	ExitedAt   time.Time
	ExitCode   int
	LostTasks  int
}

// RecordTaskOutcome persists a task's terminal outcome.
func (db *DB) RecordTaskOutcome(task models.Task, outcome models.TaskOutcome, instanceID, errText string) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO tasks (id, type, origin_id, workflow, stage, outcome, instance_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Type, task.OriginID, task.Workflow, task.Stage,
		string(outcome), instanceID, errText, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("record task outcome: %w", err)
	}
	return nil
}

// RecordInstanceSpawn persists a newly spawned instance.
func (db *DB) RecordInstanceSpawn(id, descriptor string, category models.Category, pid int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO instances (id, descriptor, category, pid, spawned_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, descriptor, string(category), pid, time.Now())
	if err != nil {
		return fmt.Errorf("record instance spawn: %w", err)
	}
	return nil
}

// RecordInstanceExit marks an instance as exited.
func (db *DB) RecordInstanceExit(id string, exitCode, lostTasks int) error {
	_, err := db.Exec(`
		UPDATE instances SET exited_at = ?, exit_code = ?, lost_tasks = ?
		WHERE id = ?`,
		time.Now(), exitCode, lostTasks, id)
	if err != nil {
		return fmt.Errorf("record instance exit: %w", err)
	}
	return nil
}

// RecordPipelineRun persists a completed pipeline run, with the stage
// results serialized as JSON.
func (db *DB) RecordPipelineRun(run pipeline.RunResult, started time.Time) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}

	degraded := 0
	if run.Degraded {
		degraded = 1
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO pipeline_runs (run_id, pipeline, status, degraded, started_at, finished_at, stages)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Pipeline, string(run.Status), degraded, started, time.Now(), string(stages))
	if err != nil {
		return fmt.Errorf("record pipeline run: %w", err)
	}
	return nil
}

// RecentTasks returns the most recent task records, newest first.
func (db *DB) RecentTasks(limit int) ([]TaskRecord, error) {
	rows, err := db.Query(`
		SELECT id, type, COALESCE(origin_id, ''), COALESCE(workflow, ''), COALESCE(stage, ''),
		       outcome, COALESCE(instance_id, ''), COALESCE(error, ''), created_at, finished_at
		FROM tasks ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var r TaskRecord
		var outcome string
		if err := rows.Scan(&r.ID, &r.Type, &r.OriginID, &r.Workflow, &r.Stage,
			&outcome, &r.InstanceID, &r.Error, &r.CreatedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		r.Outcome = models.TaskOutcome(outcome)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TaskByID returns one persisted task record.
func (db *DB) TaskByID(id string) (TaskRecord, error) {
	var r TaskRecord
	var outcome string
	err := db.QueryRow(`
		SELECT id, type, COALESCE(origin_id, ''), COALESCE(workflow, ''), COALESCE(stage, ''),
		       outcome, COALESCE(instance_id, ''), COALESCE(error, ''), created_at, finished_at
		FROM tasks WHERE id = ?`, id).
		Scan(&r.ID, &r.Type, &r.OriginID, &r.Workflow, &r.Stage,
			&outcome, &r.InstanceID, &r.Error, &r.CreatedAt, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return TaskRecord{}, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("query task: %w", err)
	}
	r.Outcome = models.TaskOutcome(outcome)
	return r, nil
}

// OutcomeCounts tallies persisted tasks per outcome.
func (db *DB) OutcomeCounts() (map[models.TaskOutcome]int, error) {
	rows, err := db.Query("SELECT outcome, COUNT(*) FROM tasks GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("query outcome counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskOutcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[models.TaskOutcome(outcome)] = n
	}
	return counts, rows.Err()
}

// PurgeOldTasks deletes task records older than the given age and
// returns how many were removed.
func (db *DB) PurgeOldTasks(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := db.Exec("DELETE FROM tasks WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old tasks: %w", err)
	}
	return res.RowsAffected()
}
