// Package release provides release lifecycle operations: creation with its
// cron job and regression schedule, the external mutation triggers, and
// the read surface consumed by the API and CLI.
package release

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dream-horizon-org/delivr/internal/models"
	"gorm.io/gorm"
)

// Sentinel errors for callers that map failures to a response class.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
)

// SlotOpts describes one regression slot. ScheduledAt wins when set;
// otherwise Offset is resolved against the release's kickoff date.
type SlotOpts struct {
	ScheduledAt      *time.Time
	Offset           time.Duration
	RegressionBuilds bool
	AutomationBuild  bool
	AutomationRun    bool
	PostNotes        bool
}

// CreateOpts holds parameters for creating a new release.
type CreateOpts struct {
	Version         string
	Type            string // planned, hotfix, major
	BaseBranch      string
	ParentReleaseID string // required for hotfixes
	KickoffAt       time.Time
	TargetReleaseAt time.Time

	CronExpr               string
	AutoTransitionToStage2 bool
	AutoTransitionToStage3 bool
	HasManualBuildUpload   bool
	Slots                  []SlotOpts
}

// ListFilters holds optional filters for listing releases.
type ListFilters struct {
	Status string
	Type   string
}

// Detail is the full orchestration view of one release.
type Detail struct {
	Release models.Release
	CronJob models.CronJob
	Slots   []models.RegressionSlot
	Tasks   []models.ReleaseTask
	Cycles  []models.RegressionCycle
}

// GenerateID creates a unique release ID in rel-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("release: generate ID: %w", err)
	}
	return "rel-" + hex.EncodeToString(b), nil
}

// Create creates a release together with its cron job and regression
// slots in one transaction, so a release never enters orchestration
// half-configured.
func Create(db *gorm.DB, opts CreateOpts) (*models.Release, error) {
	if opts.Version == "" {
		return nil, fmt.Errorf("release: version is required")
	}
	if opts.Type == "" {
		opts.Type = models.ReleaseTypePlanned
	}
	switch opts.Type {
	case models.ReleaseTypePlanned, models.ReleaseTypeHotfix, models.ReleaseTypeMajor:
	default:
		return nil, fmt.Errorf("release: unknown type %q", opts.Type)
	}
	if opts.KickoffAt.IsZero() {
		opts.KickoffAt = time.Now()
	}
	if opts.CronExpr == "" {
		opts.CronExpr = "* * * * *"
	}

	if opts.Type == models.ReleaseTypeHotfix {
		if opts.ParentReleaseID == "" {
			return nil, fmt.Errorf("release: hotfix requires a parent release")
		}
		var parent models.Release
		if err := db.Where("id = ?", opts.ParentReleaseID).First(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("release: parent %s: %w", opts.ParentReleaseID, ErrNotFound)
			}
			return nil, fmt.Errorf("release: check parent %s: %w", opts.ParentReleaseID, err)
		}
	}

	id, err := GenerateID()
	if err != nil {
		return nil, err
	}

	rel := models.Release{
		ID:              id,
		Version:         opts.Version,
		Type:            opts.Type,
		Status:          models.ReleaseStatusPending,
		BaseBranch:      opts.BaseBranch,
		KickoffAt:       opts.KickoffAt,
		TargetReleaseAt: opts.TargetReleaseAt,
		FinalBuilds:     "{}",
	}
	if opts.ParentReleaseID != "" {
		rel.ParentReleaseID = &opts.ParentReleaseID
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rel).Error; err != nil {
			return err
		}

		job := models.CronJob{
			ReleaseID:              rel.ID,
			CronExpr:               opts.CronExpr,
			NextRunAt:              opts.KickoffAt,
			Stage1Status:           models.StageNotStarted,
			Stage2Status:           models.StageNotStarted,
			Stage3Status:           models.StageNotStarted,
			AutoTransitionToStage2: opts.AutoTransitionToStage2,
			AutoTransitionToStage3: opts.AutoTransitionToStage3,
			HasManualBuildUpload:   opts.HasManualBuildUpload,
			CronStatus:             models.CronRunning,
		}
		if err := tx.Create(&job).Error; err != nil {
			return err
		}

		for i, so := range opts.Slots {
			at := opts.KickoffAt.Add(so.Offset)
			if so.ScheduledAt != nil {
				at = *so.ScheduledAt
			}
			slot := models.RegressionSlot{
				CronJobID:        job.ID,
				Sequence:         i + 1,
				ScheduledAt:      at,
				RegressionBuilds: so.RegressionBuilds,
				AutomationBuild:  so.AutomationBuild,
				AutomationRun:    so.AutomationRun,
				PostNotes:        so.PostNotes,
			}
			if err := tx.Create(&slot).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("release: create %s: %w", opts.Version, err)
	}

	return &rel, nil
}

// Get retrieves a release by ID.
func Get(db *gorm.DB, id string) (*models.Release, error) {
	var rel models.Release
	if err := db.Where("id = ?", id).First(&rel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("release: %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("release: get %s: %w", id, err)
	}
	return &rel, nil
}

// GetDetail returns the full orchestration view of one release.
func GetDetail(db *gorm.DB, id string) (*Detail, error) {
	rel, err := Get(db, id)
	if err != nil {
		return nil, err
	}

	var d Detail
	d.Release = *rel

	if err := db.Where("release_id = ?", id).First(&d.CronJob).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("release: cron job for %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("release: get cron job for %s: %w", id, err)
	}
	if err := db.Where("cron_job_id = ?", d.CronJob.ID).
		Order("sequence ASC").Find(&d.Slots).Error; err != nil {
		return nil, fmt.Errorf("release: get slots for %s: %w", id, err)
	}
	if err := db.Where("release_id = ?", id).
		Order("created_at ASC, id ASC").Find(&d.Tasks).Error; err != nil {
		return nil, fmt.Errorf("release: get tasks for %s: %w", id, err)
	}
	if err := db.Where("release_id = ?", id).
		Order("created_at ASC").Find(&d.Cycles).Error; err != nil {
		return nil, fmt.Errorf("release: get cycles for %s: %w", id, err)
	}
	return &d, nil
}

// List returns releases matching the given filters, newest first.
func List(db *gorm.DB, filters ListFilters) ([]models.Release, error) {
	q := db.Model(&models.Release{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.Type != "" {
		q = q.Where("type = ?", filters.Type)
	}

	var releases []models.Release
	if err := q.Order("created_at DESC").Find(&releases).Error; err != nil {
		return nil, fmt.Errorf("release: list: %w", err)
	}
	return releases, nil
}
