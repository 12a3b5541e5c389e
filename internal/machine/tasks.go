package machine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dream-horizon-org/delivr/internal/config"
	"github.com/dream-horizon-org/delivr/internal/executor"
	"github.com/dream-horizon-org/delivr/internal/models"
	"gorm.io/gorm"
)

// generateTaskID creates a unique task ID in task-xxxxxxxx format.
func generateTaskID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("machine: generate task ID: %w", err)
	}
	return "task-" + hex.EncodeToString(b), nil
}

// newTask constructs a ReleaseTask with JSON-encoded dependencies.
func newTask(releaseID string, stage int, taskType, platform string, cycleID *string, deps []string) (*models.ReleaseTask, error) {
	id, err := generateTaskID()
	if err != nil {
		return nil, err
	}

	depsJSON := "[]"
	if len(deps) > 0 {
		data, err := json.Marshal(deps)
		if err != nil {
			return nil, fmt.Errorf("machine: marshal deps for %s: %w", taskType, err)
		}
		depsJSON = string(data)
	}

	return &models.ReleaseTask{
		ID:        id,
		ReleaseID: releaseID,
		CycleID:   cycleID,
		Stage:     stage,
		Type:      taskType,
		Platform:  platform,
		Status:    models.TaskPending,
		DependsOn: depsJSON,
	}, nil
}

// loadStageTasks returns one stage's tasks in creation order. For stage 2,
// cycleID restricts the view to the latest regression cycle; superseded
// cycles' tasks are left behind.
func loadStageTasks(db *gorm.DB, releaseID string, stage int, cycleID *string) ([]models.ReleaseTask, error) {
	q := db.Where("release_id = ? AND stage = ?", releaseID, stage)
	if cycleID != nil {
		q = q.Where("cycle_id = ?", *cycleID)
	}

	var tasks []models.ReleaseTask
	if err := q.Order("created_at ASC, id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("machine: load stage %d tasks for %s: %w", stage, releaseID, err)
	}
	return tasks, nil
}

// allSucceeded reports whether every task in the set has SUCCEEDED.
// An empty set counts as succeeded.
func allSucceeded(tasks []models.ReleaseTask) bool {
	for i := range tasks {
		if tasks[i].Status != models.TaskSucceeded {
			return false
		}
	}
	return true
}

// depsSatisfied reports whether every dependency type of the task has at
// least one task in the set and all tasks of that type have SUCCEEDED.
func depsSatisfied(task *models.ReleaseTask, tasks []models.ReleaseTask) (bool, error) {
	if task.DependsOn == "" || task.DependsOn == "[]" {
		return true, nil
	}

	var deps []string
	if err := json.Unmarshal([]byte(task.DependsOn), &deps); err != nil {
		return false, fmt.Errorf("machine: parse deps for task %s: %w", task.ID, err)
	}

	for _, dep := range deps {
		found := false
		for i := range tasks {
			if tasks[i].Type != dep {
				continue
			}
			found = true
			if tasks[i].Status != models.TaskSucceeded {
				return false, nil
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// runStageTasks dispatches every ready PENDING/RUNNING task of a stage to
// the executor, re-scanning after successes so a dependency chain can
// progress fully within one tick. Each task is attempted at most once per
// call. Returns halted=true when a task exhausted its retries and the
// stage was marked FAILED.
func runStageTasks(ctx context.Context, db *gorm.DB, exec executor.Executor, cfg *config.Config, job *models.CronJob, stage int, cycleID *string, out io.Writer) (bool, error) {
	tasks, err := loadStageTasks(db, job.ReleaseID, stage, cycleID)
	if err != nil {
		return false, err
	}

	attempted := make(map[string]bool)
	for {
		progressed := false
		for i := range tasks {
			t := &tasks[i]
			if attempted[t.ID] {
				continue
			}
			if t.Status != models.TaskPending && t.Status != models.TaskRunning {
				continue
			}
			ready, err := depsSatisfied(t, tasks)
			if err != nil {
				return false, err
			}
			if !ready {
				continue
			}

			attempted[t.ID] = true
			halted, err := dispatchTask(ctx, db, exec, cfg, job, t, out)
			if err != nil {
				return false, err
			}
			if halted {
				return true, nil
			}
			if t.Status == models.TaskSucceeded {
				progressed = true
			}
		}
		if !progressed {
			return false, nil
		}
	}
}

// dispatchTask performs one execution attempt for a task. On executor
// failure the task stays PENDING with the failure recorded and is retried
// on a later tick, up to the configured ceiling; past the ceiling the task
// and its stage both become FAILED and automatic progress halts until a
// manual retry resets the task.
func dispatchTask(ctx context.Context, db *gorm.DB, exec executor.Executor, cfg *config.Config, job *models.CronJob, t *models.ReleaseTask, out io.Writer) (bool, error) {
	// Mark RUNNING before the call so a crash mid-execution is visible.
	if t.Status == models.TaskPending {
		if err := db.Model(&models.ReleaseTask{}).
			Where("id = ?", t.ID).
			Update("status", models.TaskRunning).Error; err != nil {
			return false, fmt.Errorf("machine: mark task %s running: %w", t.ID, err)
		}
		t.Status = models.TaskRunning
	}

	res, execErr := exec.Execute(ctx, t)
	if execErr != nil {
		retries := t.RetryCount + 1
		if retries >= cfg.Scheduler.MaxTaskRetries {
			err := db.Transaction(func(tx *gorm.DB) error {
				if err := tx.Model(&models.ReleaseTask{}).
					Where("id = ?", t.ID).
					Updates(map[string]interface{}{
						"status":      models.TaskFailed,
						"retry_count": retries,
						"conclusion":  execErr.Error(),
					}).Error; err != nil {
					return err
				}
				return tx.Model(&models.CronJob{}).
					Where("id = ?", job.ID).
					Update(models.StageColumn(t.Stage), models.StageFailed).Error
			})
			if err != nil {
				return false, fmt.Errorf("machine: fail task %s: %w", t.ID, err)
			}
			t.Status = models.TaskFailed
			t.RetryCount = retries
			fmt.Fprintf(out, "Release %s: task %s (%s) failed after %d attempts: %v\n",
				job.ReleaseID, t.ID, t.Type, retries, execErr)
			return true, nil
		}

		if err := db.Model(&models.ReleaseTask{}).
			Where("id = ?", t.ID).
			Updates(map[string]interface{}{
				"status":      models.TaskPending,
				"retry_count": retries,
				"conclusion":  execErr.Error(),
			}).Error; err != nil {
			return false, fmt.Errorf("machine: record failed attempt for task %s: %w", t.ID, err)
		}
		t.Status = models.TaskPending
		t.RetryCount = retries
		fmt.Fprintf(out, "Release %s: task %s (%s) attempt %d failed: %v\n",
			job.ReleaseID, t.ID, t.Type, retries, execErr)
		return false, nil
	}

	output := ""
	if res != nil {
		var err error
		output, err = res.JSON()
		if err != nil {
			return false, err
		}
	}
	if err := db.Model(&models.ReleaseTask{}).
		Where("id = ?", t.ID).
		Updates(map[string]interface{}{
			"status":     models.TaskSucceeded,
			"conclusion": "",
			"output":     output,
		}).Error; err != nil {
		return false, fmt.Errorf("machine: mark task %s succeeded: %w", t.ID, err)
	}
	t.Status = models.TaskSucceeded
	t.Output = output
	fmt.Fprintf(out, "Release %s: task %s (%s) succeeded\n", job.ReleaseID, t.ID, t.Type)
	return false, nil
}
