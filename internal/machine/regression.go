package machine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dream-horizon-org/delivr/internal/config"
	"github.com/dream-horizon-org/delivr/internal/executor"
	"github.com/dream-horizon-org/delivr/internal/models"
	"gorm.io/gorm"
)

// generateCycleID creates a unique cycle ID in cyc-xxxxxxxx format.
func generateCycleID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("machine: generate cycle ID: %w", err)
	}
	return "cyc-" + hex.EncodeToString(b), nil
}

// advanceRegression performs one regression-stage pass: rotate the cycle
// if a re-run was requested, consume due slots, dispatch the latest
// cycle's tasks, and complete the stage once everything has concluded.
func advanceRegression(ctx context.Context, db *gorm.DB, exec executor.Executor, cfg *config.Config, job *models.CronJob, now time.Time, out io.Writer) error {
	if job.RerunRequested {
		if err := rotateCycle(db, job, out); err != nil {
			return err
		}
	}

	cycle, err := latestCycle(db, job.ReleaseID)
	if err != nil {
		return err
	}

	var slots []models.RegressionSlot
	if err := db.Where("cron_job_id = ? AND processed = ? AND scheduled_at <= ?", job.ID, false, now).
		Order("sequence ASC").
		Find(&slots).Error; err != nil {
		return fmt.Errorf("machine: load due slots for %s: %w", job.ReleaseID, err)
	}

	for i := range slots {
		if cycle == nil {
			cycle, err = createCycle(db, job.ReleaseID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Release %s: regression cycle %s opened\n", job.ReleaseID, cycle.Tag)
		}
		if err := consumeSlot(db, cfg, job, cycle, &slots[i], now, out); err != nil {
			return err
		}
	}

	if cycle != nil {
		halted, err := runStageTasks(ctx, db, exec, cfg, job, 2, &cycle.ID, out)
		if err != nil || halted {
			return err
		}
	}

	return completeRegression(db, job, cycle, out)
}

// latestCycle returns the release's IsLatest regression cycle, or nil if
// none exists yet.
func latestCycle(db *gorm.DB, releaseID string) (*models.RegressionCycle, error) {
	var cycle models.RegressionCycle
	err := db.Where("release_id = ? AND is_latest = ?", releaseID, true).First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("machine: load latest cycle for %s: %w", releaseID, err)
	}
	return &cycle, nil
}

// createCycle opens a new IsLatest regression cycle tagged rc-N.
func createCycle(db *gorm.DB, releaseID string) (*models.RegressionCycle, error) {
	id, err := generateCycleID()
	if err != nil {
		return nil, err
	}

	var count int64
	if err := db.Model(&models.RegressionCycle{}).
		Where("release_id = ?", releaseID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("machine: count cycles for %s: %w", releaseID, err)
	}

	cycle := models.RegressionCycle{
		ID:        id,
		ReleaseID: releaseID,
		Tag:       fmt.Sprintf("rc-%d", count+1),
		IsLatest:  true,
		Status:    models.CycleInProgress,
	}
	if err := db.Create(&cycle).Error; err != nil {
		return nil, fmt.Errorf("machine: create cycle for %s: %w", releaseID, err)
	}
	return &cycle, nil
}

// rotateCycle supersedes the current latest cycle and opens a fresh one,
// clearing the re-run flag in the same transaction. Tasks of the old cycle
// keep their statuses for visibility but no longer drive the stage.
func rotateCycle(db *gorm.DB, job *models.CronJob, out io.Writer) error {
	id, err := generateCycleID()
	if err != nil {
		return err
	}

	var tag string
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RegressionCycle{}).
			Where("release_id = ? AND is_latest = ?", job.ReleaseID, true).
			Updates(map[string]interface{}{
				"is_latest": false,
				"status":    models.CycleSuperseded,
			}).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.RegressionCycle{}).
			Where("release_id = ?", job.ReleaseID).
			Count(&count).Error; err != nil {
			return err
		}
		tag = fmt.Sprintf("rc-%d", count+1)

		cycle := models.RegressionCycle{
			ID:        id,
			ReleaseID: job.ReleaseID,
			Tag:       tag,
			IsLatest:  true,
			Status:    models.CycleInProgress,
		}
		if err := tx.Create(&cycle).Error; err != nil {
			return err
		}

		return tx.Model(&models.CronJob{}).
			Where("id = ?", job.ID).
			Update("rerun_requested", false).Error
	})
	if err != nil {
		return fmt.Errorf("machine: rotate cycle for %s: %w", job.ReleaseID, err)
	}

	job.RerunRequested = false
	fmt.Fprintf(out, "Release %s: regression re-run, cycle %s opened\n", job.ReleaseID, tag)
	return nil
}

// consumeSlot creates the slot's configured tasks and marks the slot
// processed in one transaction. A slot never re-fires: even if its tasks
// later fail, failures surface through task status, not by re-firing.
func consumeSlot(db *gorm.DB, cfg *config.Config, job *models.CronJob, cycle *models.RegressionCycle, slot *models.RegressionSlot, now time.Time, out io.Writer) error {
	var tasks []*models.ReleaseTask

	if slot.RegressionBuilds {
		for _, platform := range cfg.Platforms {
			t, err := newTask(job.ReleaseID, 2, models.TaskTriggerRegressionBuild, platform, &cycle.ID, nil)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
	}
	if slot.AutomationBuild {
		t, err := newTask(job.ReleaseID, 2, models.TaskTriggerAutomationBuild, "", &cycle.ID, nil)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	if slot.AutomationRun {
		var deps []string
		if slot.AutomationBuild {
			deps = []string{models.TaskTriggerAutomationBuild}
		}
		t, err := newTask(job.ReleaseID, 2, models.TaskRunAutomationTests, "", &cycle.ID, deps)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	if slot.PostNotes {
		t, err := newTask(job.ReleaseID, 2, models.TaskPostReleaseNotes, "", &cycle.ID, nil)
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
		return tx.Model(&models.RegressionSlot{}).
			Where("id = ?", slot.ID).
			Updates(map[string]interface{}{
				"processed":    true,
				"processed_at": now,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("machine: consume slot %d for %s: %w", slot.Sequence, job.ReleaseID, err)
	}

	slot.Processed = true
	fmt.Fprintf(out, "Release %s: regression slot %d fired (%d tasks)\n", job.ReleaseID, slot.Sequence, len(tasks))
	return nil
}

// completeRegression marks stage 2 COMPLETED once every slot has been
// processed, the latest cycle's tasks have all succeeded, and no re-run is
// pending; stage 3 starts in the same update when auto-transition is on.
func completeRegression(db *gorm.DB, job *models.CronJob, cycle *models.RegressionCycle, out io.Writer) error {
	var remaining int64
	if err := db.Model(&models.RegressionSlot{}).
		Where("cron_job_id = ? AND processed = ?", job.ID, false).
		Count(&remaining).Error; err != nil {
		return fmt.Errorf("machine: count remaining slots for %s: %w", job.ReleaseID, err)
	}
	if remaining > 0 || job.RerunRequested {
		return nil
	}

	if cycle != nil {
		tasks, err := loadStageTasks(db, job.ReleaseID, 2, &cycle.ID)
		if err != nil {
			return err
		}
		if !allSucceeded(tasks) {
			return nil
		}
	}

	updates := map[string]interface{}{"stage2_status": models.StageCompleted}
	if job.AutoTransitionToStage3 {
		updates["stage3_status"] = models.StageInProgress
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.CronJob{}).
			Where("id = ?", job.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		if cycle != nil {
			if err := tx.Model(&models.RegressionCycle{}).
				Where("id = ?", cycle.ID).
				Update("status", models.CycleCompleted).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("machine: complete regression for %s: %w", job.ReleaseID, err)
	}

	job.Stage2Status = models.StageCompleted
	fmt.Fprintf(out, "Release %s: regression complete\n", job.ReleaseID)
	if job.AutoTransitionToStage3 {
		job.Stage3Status = models.StageInProgress
		fmt.Fprintf(out, "Release %s: pre-release started\n", job.ReleaseID)
	}
	return nil
}
