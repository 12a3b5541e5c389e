// Package machine implements the per-release state machine. Advance is
// re-entrant: every call re-reads persisted state and performs at most one
// tick's worth of work, so ticks may run on different processes without
// any shared in-memory state.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dream-horizon-org/delivr/internal/config"
	"github.com/dream-horizon-org/delivr/internal/executor"
	"github.com/dream-horizon-org/delivr/internal/models"
	"gorm.io/gorm"
)

// kickoffPlan is the ordered stage-1 task set. Each entry lists the task
// types that must SUCCEED before it may start.
var kickoffPlan = []struct {
	Type string
	Deps []string
}{
	{models.TaskForkBranch, nil},
	{models.TaskCreateTicket, []string{models.TaskForkBranch}},
	{models.TaskCreateTestSuites, []string{models.TaskCreateTicket}},
	{models.TaskCreateRCTag, []string{models.TaskCreateTestSuites}},
}

// Advance decides and performs the next unit of work for one release.
// Stage handling is strictly ordered: an unfinished earlier stage returns
// before a later stage is considered, so a later stage can never run while
// an earlier one is incomplete. A FAILED stage halts automatic progress
// until a manual task retry resets it.
func Advance(ctx context.Context, db *gorm.DB, exec executor.Executor, cfg *config.Config, releaseID string, now time.Time, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}

	var job models.CronJob
	if err := db.Where("release_id = ?", releaseID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("machine: cron job not found for release %s", releaseID)
		}
		return fmt.Errorf("machine: load cron job for %s: %w", releaseID, err)
	}
	if job.CronStatus != models.CronRunning {
		return nil
	}

	// Stage 1: kickoff.
	switch job.Stage1Status {
	case models.StageNotStarted:
		return startKickoff(db, &job, out)
	case models.StageInProgress:
		halted, err := runStageTasks(ctx, db, exec, cfg, &job, 1, nil, out)
		if err != nil || halted {
			return err
		}
		return completeKickoff(db, &job, out)
	case models.StageFailed:
		return nil
	}

	// Stage 2: regression.
	switch job.Stage2Status {
	case models.StageNotStarted:
		// Waiting on the manual build-upload trigger.
		return nil
	case models.StageInProgress:
		return advanceRegression(ctx, db, exec, cfg, &job, now, out)
	case models.StageFailed:
		return nil
	}

	// Stage 3: pre-release.
	switch job.Stage3Status {
	case models.StageNotStarted:
		// Auto-transition disabled; waiting on a manual start.
		return nil
	case models.StageInProgress:
		return advancePreRelease(ctx, db, exec, cfg, &job, out)
	}
	return nil
}

// startKickoff creates the ordered kickoff task set and marks stage 1
// IN_PROGRESS in a single transaction. Dispatch happens on the next tick.
func startKickoff(db *gorm.DB, job *models.CronJob, out io.Writer) error {
	tasks := make([]*models.ReleaseTask, 0, len(kickoffPlan))
	for _, p := range kickoffPlan {
		t, err := newTask(job.ReleaseID, 1, p.Type, "", nil, p.Deps)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		for _, t := range tasks {
			if err := tx.Create(t).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&models.CronJob{}).
			Where("id = ?", job.ID).
			Update("stage1_status", models.StageInProgress).Error; err != nil {
			return err
		}
		return tx.Model(&models.Release{}).
			Where("id = ? AND status = ?", job.ReleaseID, models.ReleaseStatusPending).
			Update("status", models.ReleaseStatusInProgress).Error
	})
	if err != nil {
		return fmt.Errorf("machine: start kickoff for %s: %w", job.ReleaseID, err)
	}

	job.Stage1Status = models.StageInProgress
	fmt.Fprintf(out, "Release %s: kickoff started (%d tasks)\n", job.ReleaseID, len(tasks))
	return nil
}

// completeKickoff marks stage 1 COMPLETED once every kickoff task has
// SUCCEEDED, and in the same update starts stage 2 when auto-transition is
// on and builds are not uploaded manually, so no tick is wasted between
// the two transitions.
func completeKickoff(db *gorm.DB, job *models.CronJob, out io.Writer) error {
	tasks, err := loadStageTasks(db, job.ReleaseID, 1, nil)
	if err != nil {
		return err
	}
	if len(tasks) == 0 || !allSucceeded(tasks) {
		return nil
	}

	updates := map[string]interface{}{"stage1_status": models.StageCompleted}
	startStage2 := job.AutoTransitionToStage2 && !job.HasManualBuildUpload
	if startStage2 {
		updates["stage2_status"] = models.StageInProgress
	}

	if err := db.Model(&models.CronJob{}).
		Where("id = ?", job.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("machine: complete kickoff for %s: %w", job.ReleaseID, err)
	}

	job.Stage1Status = models.StageCompleted
	fmt.Fprintf(out, "Release %s: kickoff complete\n", job.ReleaseID)
	if startStage2 {
		job.Stage2Status = models.StageInProgress
		fmt.Fprintf(out, "Release %s: regression started\n", job.ReleaseID)
	}
	return nil
}
