package machine

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/dream-horizon-org/delivr/internal/config"
	deldb "github.com/dream-horizon-org/delivr/internal/db"
	"github.com/dream-horizon-org/delivr/internal/executor"
	"github.com/dream-horizon-org/delivr/internal/models"
	"github.com/dream-horizon-org/delivr/internal/release"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := deldb.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func testConfig() *config.Config {
	return config.Default()
}

func createRelease(t *testing.T, gdb *gorm.DB, opts release.CreateOpts) *models.Release {
	t.Helper()
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.KickoffAt.IsZero() {
		opts.KickoffAt = time.Now().Add(-time.Hour)
	}
	rel, err := release.Create(gdb, opts)
	if err != nil {
		t.Fatalf("create release: %v", err)
	}
	return rel
}

func loadJob(t *testing.T, gdb *gorm.DB, releaseID string) *models.CronJob {
	t.Helper()
	var job models.CronJob
	if err := gdb.Where("release_id = ?", releaseID).First(&job).Error; err != nil {
		t.Fatalf("load cron job: %v", err)
	}
	return &job
}

func advance(t *testing.T, gdb *gorm.DB, exec executor.Executor, cfg *config.Config, releaseID string, now time.Time) {
	t.Helper()
	if err := Advance(context.Background(), gdb, exec, cfg, releaseID, now, io.Discard); err != nil {
		t.Fatalf("Advance: %v", err)
	}
}

func TestAdvance_KickoffToRegression(t *testing.T) {
	gdb := openTestDB(t)
	cfg := testConfig()
	stub := executor.NewStub()

	rel := createRelease(t, gdb, release.CreateOpts{
		AutoTransitionToStage2: true,
		AutoTransitionToStage3: true,
	})

	// First pass: kickoff task set created, stage 1 IN_PROGRESS.
	advance(t, gdb, stub, cfg, rel.ID, time.Now())

	job := loadJob(t, gdb, rel.ID)
	if job.Stage1Status != models.StageInProgress {
		t.Fatalf("Stage1Status = %q, want IN_PROGRESS", job.Stage1Status)
	}
	var tasks []models.ReleaseTask
	gdb.Where("release_id = ? AND stage = ?", rel.ID, 1).Order("created_at ASC, id ASC").Find(&tasks)
	if len(tasks) != 4 {
		t.Fatalf("kickoff tasks = %d, want 4", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != models.TaskPending {
			t.Errorf("task %s status = %q, want PENDING", task.Type, task.Status)
		}
	}
	if tasks[0].Type != models.TaskForkBranch || tasks[3].Type != models.TaskCreateRCTag {
		t.Errorf("task order = %s..%s, want FORK_BRANCH..CREATE_RC_TAG", tasks[0].Type, tasks[3].Type)
	}

	var relRow models.Release
	gdb.First(&relRow, "id = ?", rel.ID)
	if relRow.Status != models.ReleaseStatusInProgress {
		t.Errorf("release status = %q, want in_progress", relRow.Status)
	}

	// Second pass: the whole dependency chain runs, stage 1 completes and
	// stage 2 starts within the same call.
	advance(t, gdb, stub, cfg, rel.ID, time.Now())

	job = loadJob(t, gdb, rel.ID)
	if job.Stage1Status != models.StageCompleted {
		t.Errorf("Stage1Status = %q, want COMPLETED", job.Stage1Status)
	}
	if job.Stage2Status != models.StageInProgress {
		t.Errorf("Stage2Status = %q, want IN_PROGRESS", job.Stage2Status)
	}

	gdb.Where("release_id = ? AND stage = ?", rel.ID, 1).Find(&tasks)
	for _, task := range tasks {
		if task.Status != models.TaskSucceeded {
			t.Errorf("task %s status = %q, want SUCCEEDED", task.Type, task.Status)
		}
		if task.Output == "" {
			t.Errorf("task %s has no output", task.Type)
		}
	}

	calls := stub.Calls()
	if len(calls) != 4 {
		t.Fatalf("executor calls = %v, want 4", calls)
	}
	want := []string{models.TaskForkBranch, models.TaskCreateTicket, models.TaskCreateTestSuites, models.TaskCreateRCTag}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call[%d] = %s, want %s", i, calls[i], w)
		}
	}
}

func TestAdvance_ManualBuildUploadHoldsStage2(t *testing.T) {
	gdb := openTestDB(t)
	cfg := testConfig()
	stub := executor.NewStub()

	rel := createRelease(t, gdb, release.CreateOpts{
		AutoTransitionToStage2: true,
		HasManualBuildUpload:   true,
	})

	advance(t, gdb, stub, cfg, rel.ID, time.Now())
	advance(t, gdb, stub, cfg, rel.ID, time.Now())

	job := loadJob(t, gdb, rel.ID)
	if job.Stage1Status != models.StageCompleted {
		t.Fatalf("Stage1Status = %q, want COMPLETED", job.Stage1Status)
	}
	if job.Stage2Status != models.StageNotStarted {
		t.Errorf("Stage2Status = %q, want NOT_STARTED until the manual trigger", job.Stage2Status)
	}

	// Further ticks change nothing while the trigger is pending.
	advance(t, gdb, stub, cfg, rel.ID, time.Now())
	job = loadJob(t, gdb, rel.ID)
	if job.Stage2Status != models.StageNotStarted {
		t.Errorf("Stage2Status = %q after extra tick, want NOT_STARTED", job.Stage2Status)
	}

	// The external trigger starts regression.
	if err := release.StartStage2(gdb, rel.ID); err != nil {
		t.Fatalf("StartStage2: %v", err)
	}
	job = loadJob(t, gdb, rel.ID)
	if job.Stage2Status != models.StageInProgress {
		t.Errorf("Stage2Status = %q after trigger, want IN_PROGRESS", job.Stage2Status)
	}
}

func TestAdvance_DependencyGate(t *testing.T) {
	gdb := openTestDB(t)
	cfg := testConfig()
	stub := executor.NewStub()
	stub.Fail(models.TaskCreateTicket, errors.New("jira down"))

	rel := createRelease(t, gdb, release.CreateOpts{AutoTransitionToStage2: true})

	advance(t, gdb, stub, cfg, rel.ID, time.Now())
	advance(t, gdb, stub, cfg, rel.ID, time.Now())

	statuses := map[string]string{}
	var tasks []models.ReleaseTask
	gdb.Where("release_id = ? AND stage = ?", rel.ID, 1).Find(&tasks)
	for _, task := range tasks {
		statuses[task.Type] = task.Status
	}

	if statuses[models.TaskForkBranch] != models.TaskSucceeded {
		t.Errorf("FORK_BRANCH = %q, want SUCCEEDED", statuses[models.TaskForkBranch])
	}
	if statuses[models.TaskCreateTicket] != models.TaskPending {
		t.Errorf("CREATE_PROJECT_MANAGEMENT_TICKET = %q, want PENDING for retry", statuses[models.TaskCreateTicket])
	}
	// Downstream tasks never started: their prerequisite has not succeeded.
	if statuses[models.TaskCreateTestSuites] != models.TaskPending {
		t.Errorf("CREATE_TEST_SUITES = %q, want PENDING", statuses[models.TaskCreateTestSuites])
	}
	for _, c := range stub.Calls() {
		if c == models.TaskCreateTestSuites || c == models.TaskCreateRCTag {
			t.Errorf("task %s was dispatched before its prerequisites succeeded", c)
		}
	}
}

func TestAdvance_RetryCeilingFailsStage(t *testing.T) {
	gdb := openTestDB(t)
	cfg := testConfig()
	cfg.Scheduler.MaxTaskRetries = 2
	stub := executor.NewStub()
	stub.Fail(models.TaskForkBranch, errors.New("git host unreachable"))

	rel := createRelease(t, gdb, release.CreateOpts{AutoTransitionToStage2: true})

	advance(t, gdb, stub, cfg, rel.ID, time.Now()) // create tasks

	// Attempt 1: recorded, task stays PENDING.
	advance(t, gdb, stub, cfg, rel.ID, time.Now())
	var task models.ReleaseTask
	gdb.Where("release_id = ? AND type = ?", rel.ID, models.TaskForkBranch).First(&task)
	if task.Status != models.TaskPending || task.RetryCount != 1 {
		t.Fatalf("after attempt 1: status = %q retries = %d, want PENDING/1", task.Status, task.RetryCount)
	}
	if !strings.Contains(task.Conclusion, "git host unreachable") {
		t.Errorf("Conclusion = %q, want failure detail", task.Conclusion)
	}

	// Attempt 2 hits the ceiling: task FAILED, stage FAILED.
	advance(t, gdb, stub, cfg, rel.ID, time.Now())
	gdb.Where("release_id = ? AND type = ?", rel.ID, models.TaskForkBranch).First(&task)
	if task.Status != models.TaskFailed || task.RetryCount != 2 {
		t.Fatalf("after attempt 2: status = %q retries = %d, want FAILED/2", task.Status, task.RetryCount)
	}
	job := loadJob(t, gdb, rel.ID)
	if job.Stage1Status != models.StageFailed {
		t.Errorf("Stage1Status = %q, want FAILED", job.Stage1Status)
	}

	// Automatic progress halts.
	advance(t, gdb, stub, cfg, rel.ID, time.Now())
	if calls := stub.Calls(); len(calls) != 2 {
		t.Errorf("executor calls = %v, FAILED stage must not dispatch", calls)
	}

	// Manual retry resets the task and resumes the stage.
	if err := release.RetryTask(gdb, task.ID); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	gdb.Where("id = ?", task.ID).First(&task)
	if task.Status != models.TaskPending || task.RetryCount != 0 || task.Conclusion != "" {
		t.Fatalf("after retry reset: status = %q retries = %d conclusion = %q", task.Status, task.RetryCount, task.Conclusion)
	}
	job = loadJob(t, gdb, rel.ID)
	if job.Stage1Status != models.StageInProgress {
		t.Fatalf("Stage1Status = %q after retry, want IN_PROGRESS", job.Stage1Status)
	}

	stub.Succeed(models.TaskForkBranch, &executor.Result{BranchURL: "https://git.example.com/tree/release-1.0"})
	advance(t, gdb, stub, cfg, rel.ID, time.Now())
	job = loadJob(t, gdb, rel.ID)
	if job.Stage1Status != models.StageCompleted {
		t.Errorf("Stage1Status = %q after successful retry, want COMPLETED", job.Stage1Status)
	}
}

func TestAdvance_StoppedJobIsInert(t *testing.T) {
	gdb := openTestDB(t)
	cfg := testConfig()
	stub := executor.NewStub()

	rel := createRelease(t, gdb, release.CreateOpts{})
	if err := release.Archive(gdb, rel.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	advance(t, gdb, stub, cfg, rel.ID, time.Now())

	job := loadJob(t, gdb, rel.ID)
	if job.Stage1Status != models.StageNotStarted {
		t.Errorf("Stage1Status = %q, stopped job must not advance", job.Stage1Status)
	}
}

func TestAdvance_UnknownRelease(t *testing.T) {
	gdb := openTestDB(t)

	err := Advance(context.Background(), gdb, executor.NewStub(), testConfig(), "rel-missing", time.Now(), io.Discard)
	if err == nil {
		t.Fatal("expected error for unknown release")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q", err)
	}
}
