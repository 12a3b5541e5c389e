package release

import (
	"errors"
	"strings"
	"testing"
	"time"

	deldb "github.com/dream-horizon-org/delivr/internal/db"
	"github.com/dream-horizon-org/delivr/internal/models"
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

func TestCreate_Defaults(t *testing.T) {
	gdb := openTestDB(t)

	rel, err := Create(gdb, CreateOpts{Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(rel.ID) != 12 || rel.ID[:4] != "rel-" {
		t.Errorf("ID = %q, want rel-xxxxxxxx", rel.ID)
	}
	if rel.Type != models.ReleaseTypePlanned {
		t.Errorf("Type = %q, want planned", rel.Type)
	}
	if rel.Status != models.ReleaseStatusPending {
		t.Errorf("Status = %q, want pending", rel.Status)
	}

	var job models.CronJob
	if err := gdb.Where("release_id = ?", rel.ID).First(&job).Error; err != nil {
		t.Fatalf("cron job not created: %v", err)
	}
	if job.CronStatus != models.CronRunning {
		t.Errorf("CronStatus = %q, want RUNNING", job.CronStatus)
	}
	if job.CronExpr != "* * * * *" {
		t.Errorf("CronExpr = %q", job.CronExpr)
	}
	for i := 1; i <= 3; i++ {
		if got := job.StageStatus(i); got != models.StageNotStarted {
			t.Errorf("stage %d = %q, want NOT_STARTED", i, got)
		}
	}
}

func TestCreate_PersistsDisabledAutoTransitions(t *testing.T) {
	gdb := openTestDB(t)

	// Explicit false must survive the insert; a column default would
	// silently re-enable auto-advancement.
	rel, err := Create(gdb, CreateOpts{
		Version:                "1.0.1",
		AutoTransitionToStage2: false,
		AutoTransitionToStage3: false,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var job models.CronJob
	if err := gdb.Where("release_id = ?", rel.ID).First(&job).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job.AutoTransitionToStage2 {
		t.Error("AutoTransitionToStage2 = true, want persisted false")
	}
	if job.AutoTransitionToStage3 {
		t.Error("AutoTransitionToStage3 = true, want persisted false")
	}

	rel, err = Create(gdb, CreateOpts{
		Version:                "1.0.2",
		AutoTransitionToStage2: true,
		AutoTransitionToStage3: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Reset the destination: a reused struct's primary key would be added
	// to the query condition and the reload would silently miss.
	job = models.CronJob{}
	gdb.Where("release_id = ?", rel.ID).First(&job)
	if !job.AutoTransitionToStage2 || !job.AutoTransitionToStage3 {
		t.Errorf("auto transitions = %v/%v, want true/true",
			job.AutoTransitionToStage2, job.AutoTransitionToStage3)
	}
}

func TestCreate_Validation(t *testing.T) {
	gdb := openTestDB(t)

	if _, err := Create(gdb, CreateOpts{}); err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("empty version: err = %v", err)
	}
	if _, err := Create(gdb, CreateOpts{Version: "1.0.0", Type: "experimental"}); err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Errorf("bad type: err = %v", err)
	}
}

func TestCreate_Hotfix(t *testing.T) {
	gdb := openTestDB(t)

	_, err := Create(gdb, CreateOpts{Version: "1.0.1", Type: models.ReleaseTypeHotfix})
	if err == nil || !strings.Contains(err.Error(), "parent") {
		t.Errorf("hotfix without parent: err = %v", err)
	}

	_, err = Create(gdb, CreateOpts{Version: "1.0.1", Type: models.ReleaseTypeHotfix, ParentReleaseID: "rel-missing"})
	if !errors.Is(err, ErrNotFound) || !strings.Contains(err.Error(), "parent") {
		t.Errorf("hotfix with missing parent: err = %v", err)
	}

	parent, err := Create(gdb, CreateOpts{Version: "1.0.0"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	hotfix, err := Create(gdb, CreateOpts{Version: "1.0.1", Type: models.ReleaseTypeHotfix, ParentReleaseID: parent.ID})
	if err != nil {
		t.Fatalf("create hotfix: %v", err)
	}
	if hotfix.ParentReleaseID == nil || *hotfix.ParentReleaseID != parent.ID {
		t.Errorf("ParentReleaseID = %v, want %s", hotfix.ParentReleaseID, parent.ID)
	}
}

func TestCreate_SlotScheduling(t *testing.T) {
	gdb := openTestDB(t)
	kickoff := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	absolute := time.Date(2026, 9, 5, 14, 30, 0, 0, time.UTC)

	rel, err := Create(gdb, CreateOpts{
		Version:   "1.1.0",
		KickoffAt: kickoff,
		Slots: []SlotOpts{
			{Offset: 48 * time.Hour, RegressionBuilds: true},
			{ScheduledAt: &absolute, AutomationRun: true},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	detail, err := GetDetail(gdb, rel.ID)
	if err != nil {
		t.Fatalf("GetDetail: %v", err)
	}
	if len(detail.Slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(detail.Slots))
	}

	if got, want := detail.Slots[0].ScheduledAt, kickoff.Add(48*time.Hour); !got.Equal(want) {
		t.Errorf("slot 1 ScheduledAt = %v, want offset-resolved %v", got, want)
	}
	if detail.Slots[0].Sequence != 1 || !detail.Slots[0].RegressionBuilds {
		t.Errorf("slot 1 = %+v", detail.Slots[0])
	}

	if !detail.Slots[1].ScheduledAt.Equal(absolute) {
		t.Errorf("slot 2 ScheduledAt = %v, want absolute %v", detail.Slots[1].ScheduledAt, absolute)
	}
	if detail.Slots[1].Sequence != 2 || !detail.Slots[1].AutomationRun {
		t.Errorf("slot 2 = %+v", detail.Slots[1])
	}
	if detail.CronJob.NextRunAt.IsZero() || !detail.CronJob.NextRunAt.Equal(kickoff) {
		t.Errorf("NextRunAt = %v, want kickoff %v", detail.CronJob.NextRunAt, kickoff)
	}
}

func TestStartStage2_Validation(t *testing.T) {
	gdb := openTestDB(t)

	rel, err := Create(gdb, CreateOpts{Version: "1.2.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Stage 1 has not completed yet.
	err = StartStage2(gdb, rel.ID)
	if !errors.Is(err, ErrInvalidTransition) || !strings.Contains(err.Error(), "cannot start stage 2") {
		t.Errorf("err = %v", err)
	}

	if err := gdb.Model(&models.CronJob{}).
		Where("release_id = ?", rel.ID).
		Updates(map[string]interface{}{
			"stage1_status": models.StageCompleted,
			"stage2_status": models.StageInProgress,
		}).Error; err != nil {
		t.Fatalf("seed stages: %v", err)
	}

	// Stage 2 already running.
	err = StartStage2(gdb, rel.ID)
	if err == nil || !strings.Contains(err.Error(), "already") {
		t.Errorf("err = %v", err)
	}

	if err := StartStage2(gdb, "rel-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing release: err = %v", err)
	}
}

func TestRetryTask_Validation(t *testing.T) {
	gdb := openTestDB(t)

	rel, err := Create(gdb, CreateOpts{Version: "1.3.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	task := models.ReleaseTask{
		ID:        "task-ok",
		ReleaseID: rel.ID,
		Stage:     1,
		Type:      models.TaskForkBranch,
		Status:    models.TaskSucceeded,
		DependsOn: "[]",
	}
	if err := gdb.Create(&task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	err = RetryTask(gdb, task.ID)
	if !errors.Is(err, ErrInvalidTransition) || !strings.Contains(err.Error(), "only FAILED tasks") {
		t.Errorf("retry succeeded task: err = %v", err)
	}
	if err := RetryTask(gdb, "task-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task: err = %v", err)
	}
}

func TestRequestRerun_RequiresActiveStage2(t *testing.T) {
	gdb := openTestDB(t)

	rel, err := Create(gdb, CreateOpts{Version: "1.4.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = RequestRerun(gdb, rel.ID)
	if !errors.Is(err, ErrInvalidTransition) || !strings.Contains(err.Error(), "cannot request regression re-run") {
		t.Errorf("err = %v", err)
	}
}

func TestArchive(t *testing.T) {
	gdb := openTestDB(t)

	rel, err := Create(gdb, CreateOpts{Version: "1.5.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := Archive(gdb, rel.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := Get(gdb, rel.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.ReleaseStatusArchived {
		t.Errorf("Status = %q, want archived", got.Status)
	}
	var job models.CronJob
	gdb.Where("release_id = ?", rel.ID).First(&job)
	if job.CronStatus != models.CronStopped {
		t.Errorf("CronStatus = %q, want STOPPED", job.CronStatus)
	}

	if err := Archive(gdb, "rel-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing release: err = %v", err)
	}
}

func TestSetFinalBuilds(t *testing.T) {
	gdb := openTestDB(t)

	rel, err := Create(gdb, CreateOpts{Version: "1.6.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	builds := `{"android":"4521","ios":"8812"}`
	if err := SetFinalBuilds(gdb, rel.ID, builds); err != nil {
		t.Fatalf("SetFinalBuilds: %v", err)
	}
	got, _ := Get(gdb, rel.ID)
	if got.FinalBuilds != builds {
		t.Errorf("FinalBuilds = %q, want %q", got.FinalBuilds, builds)
	}

	if err := SetFinalBuilds(gdb, "rel-missing", builds); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing release: err = %v", err)
	}
}

func TestList_Filters(t *testing.T) {
	gdb := openTestDB(t)

	a, err := Create(gdb, CreateOpts{Version: "2.0.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	parent, err := Create(gdb, CreateOpts{Version: "2.1.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Create(gdb, CreateOpts{Version: "2.1.1", Type: models.ReleaseTypeHotfix, ParentReleaseID: parent.ID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Archive(gdb, a.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	all, err := List(gdb, ListFilters{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}

	hotfixes, err := List(gdb, ListFilters{Type: models.ReleaseTypeHotfix})
	if err != nil {
		t.Fatalf("List hotfix: %v", err)
	}
	if len(hotfixes) != 1 || hotfixes[0].Version != "2.1.1" {
		t.Errorf("hotfixes = %+v", hotfixes)
	}

	archived, err := List(gdb, ListFilters{Status: models.ReleaseStatusArchived})
	if err != nil {
		t.Fatalf("List archived: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != a.ID {
		t.Errorf("archived = %+v", archived)
	}
}

func TestGetDetail_NotFound(t *testing.T) {
	gdb := openTestDB(t)

	if _, err := GetDetail(gdb, "rel-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}
