package release

import (
	"errors"
	"fmt"

	"github.com/dream-horizon-org/delivr/internal/models"
	"gorm.io/gorm"
)

// StartStage2 is the manual build-upload trigger that starts regression
// for releases created with HasManualBuildUpload. It is validated
// synchronously: invalid requests are rejected with a descriptive reason
// and no state is mutated.
func StartStage2(db *gorm.DB, releaseID string) error {
	job, err := getCronJob(db, releaseID)
	if err != nil {
		return err
	}

	if job.Stage1Status != models.StageCompleted {
		return fmt.Errorf("release: cannot start stage 2 for %s: stage 1 is %s, must be %s: %w",
			releaseID, job.Stage1Status, models.StageCompleted, ErrInvalidTransition)
	}
	if job.Stage2Status != models.StageNotStarted {
		return fmt.Errorf("release: cannot start stage 2 for %s: stage 2 is already %s: %w",
			releaseID, job.Stage2Status, ErrInvalidTransition)
	}

	if err := db.Model(&models.CronJob{}).
		Where("id = ?", job.ID).
		Update("stage2_status", models.StageInProgress).Error; err != nil {
		return fmt.Errorf("release: start stage 2 for %s: %w", releaseID, err)
	}
	return nil
}

// RetryTask resets one FAILED task to a retryable state: status PENDING,
// retry count zeroed, conclusion cleared. The owning stage moves back from
// FAILED to IN_PROGRESS so the next tick resumes dispatch.
func RetryTask(db *gorm.DB, taskID string) error {
	var task models.ReleaseTask
	if err := db.Where("id = ?", taskID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("release: task %s: %w", taskID, ErrNotFound)
		}
		return fmt.Errorf("release: get task %s: %w", taskID, err)
	}

	if task.Status != models.TaskFailed {
		return fmt.Errorf("release: task %s is %s, only %s tasks can be retried: %w",
			taskID, task.Status, models.TaskFailed, ErrInvalidTransition)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ReleaseTask{}).
			Where("id = ?", taskID).
			Updates(map[string]interface{}{
				"status":      models.TaskPending,
				"retry_count": 0,
				"conclusion":  "",
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.CronJob{}).
			Where("release_id = ?", task.ReleaseID).
			Where(models.StageColumn(task.Stage)+" = ?", models.StageFailed).
			Update(models.StageColumn(task.Stage), models.StageInProgress).Error
	})
	if err != nil {
		return fmt.Errorf("release: retry task %s: %w", taskID, err)
	}
	return nil
}

// RequestRerun flags the release for a fresh regression cycle. The next
// regression pass supersedes the current cycle and clears the flag.
func RequestRerun(db *gorm.DB, releaseID string) error {
	job, err := getCronJob(db, releaseID)
	if err != nil {
		return err
	}

	if job.Stage2Status != models.StageInProgress {
		return fmt.Errorf("release: cannot request regression re-run for %s: stage 2 is %s: %w",
			releaseID, job.Stage2Status, ErrInvalidTransition)
	}

	if err := db.Model(&models.CronJob{}).
		Where("id = ?", job.ID).
		Update("rerun_requested", true).Error; err != nil {
		return fmt.Errorf("release: request re-run for %s: %w", releaseID, err)
	}
	return nil
}

// Archive takes a release out of orchestration: the release is archived
// and its cron job stopped, in one transaction.
func Archive(db *gorm.DB, releaseID string) error {
	if _, err := Get(db, releaseID); err != nil {
		return err
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Release{}).
			Where("id = ?", releaseID).
			Update("status", models.ReleaseStatusArchived).Error; err != nil {
			return err
		}
		return tx.Model(&models.CronJob{}).
			Where("release_id = ?", releaseID).
			Update("cron_status", models.CronStopped).Error
	})
	if err != nil {
		return fmt.Errorf("release: archive %s: %w", releaseID, err)
	}
	return nil
}

// SetFinalBuilds records the per-platform final build numbers as JSON.
func SetFinalBuilds(db *gorm.DB, releaseID, buildsJSON string) error {
	result := db.Model(&models.Release{}).
		Where("id = ?", releaseID).
		Update("final_builds", buildsJSON)
	if result.Error != nil {
		return fmt.Errorf("release: set final builds for %s: %w", releaseID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("release: %s: %w", releaseID, ErrNotFound)
	}
	return nil
}

func getCronJob(db *gorm.DB, releaseID string) (*models.CronJob, error) {
	var job models.CronJob
	if err := db.Where("release_id = ?", releaseID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("release: cron job for %s: %w", releaseID, ErrNotFound)
		}
		return nil, fmt.Errorf("release: get cron job for %s: %w", releaseID, err)
	}
	return &job, nil
}
