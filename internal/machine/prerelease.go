package machine

import (
	"context"
	"fmt"
	"io"

	"github.com/dream-horizon-org/delivr/internal/config"
	"github.com/dream-horizon-org/delivr/internal/executor"
	"github.com/dream-horizon-org/delivr/internal/models"
	"gorm.io/gorm"
)

// preReleasePlan is the ordered stage-3 task set.
var preReleasePlan = []struct {
	Type string
	Deps []string
}{
	{models.TaskCreateReleaseTag, nil},
	{models.TaskFinalReleaseNotes, []string{models.TaskCreateReleaseTag}},
	{models.TaskVerifyApprovals, []string{models.TaskFinalReleaseNotes}},
}

// advancePreRelease drives the final task set to completion. Stage 3
// COMPLETED is the engine's terminal state: the cron job stops and the
// release hands off to distribution.
func advancePreRelease(ctx context.Context, db *gorm.DB, exec executor.Executor, cfg *config.Config, job *models.CronJob, out io.Writer) error {
	tasks, err := loadStageTasks(db, job.ReleaseID, 3, nil)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return startPreRelease(db, job, out)
	}

	halted, err := runStageTasks(ctx, db, exec, cfg, job, 3, nil, out)
	if err != nil || halted {
		return err
	}
	return completePreRelease(db, job, out)
}

// startPreRelease creates the ordered pre-release task set. Dispatch
// happens on the next tick.
func startPreRelease(db *gorm.DB, job *models.CronJob, out io.Writer) error {
	tasks := make([]*models.ReleaseTask, 0, len(preReleasePlan))
	for _, p := range preReleasePlan {
		t, err := newTask(job.ReleaseID, 3, p.Type, "", nil, p.Deps)
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
		return nil
	})
	if err != nil {
		return fmt.Errorf("machine: start pre-release for %s: %w", job.ReleaseID, err)
	}

	fmt.Fprintf(out, "Release %s: pre-release tasks created (%d)\n", job.ReleaseID, len(tasks))
	return nil
}

// completePreRelease marks stage 3 COMPLETED, stops the cron job, and
// moves the release to released, all in one transaction.
func completePreRelease(db *gorm.DB, job *models.CronJob, out io.Writer) error {
	tasks, err := loadStageTasks(db, job.ReleaseID, 3, nil)
	if err != nil {
		return err
	}
	if len(tasks) == 0 || !allSucceeded(tasks) {
		return nil
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.CronJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"stage3_status": models.StageCompleted,
				"cron_status":   models.CronStopped,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Release{}).
			Where("id = ?", job.ReleaseID).
			Update("status", models.ReleaseStatusReleased).Error
	})
	if err != nil {
		return fmt.Errorf("machine: complete pre-release for %s: %w", job.ReleaseID, err)
	}

	job.Stage3Status = models.StageCompleted
	job.CronStatus = models.CronStopped
	fmt.Fprintf(out, "Release %s: pre-release complete, orchestration stopped\n", job.ReleaseID)
	return nil
}
