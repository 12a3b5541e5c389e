package models

import "time"

// Stage statuses, shared by all three stages.
const (
	StageNotStarted = "NOT_STARTED"
	StageInProgress = "IN_PROGRESS"
	StageCompleted  = "COMPLETED"
	StageFailed     = "FAILED"
)

// Cron statuses.
const (
	CronRunning = "RUNNING"
	CronStopped = "STOPPED"
)

// CronJob is the scheduling record driving one release's orchestration.
// The lock fields form an expiring lease that lives on the same row as the
// state it protects, so acquisition is a single conditional UPDATE.
type CronJob struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	ReleaseID string    `gorm:"size:32;uniqueIndex;not null"`
	CronExpr  string    `gorm:"size:64;default:'* * * * *'"`
	NextRunAt time.Time `gorm:"index"`

	Stage1Status string `gorm:"size:16;default:NOT_STARTED"`
	Stage2Status string `gorm:"size:16;default:NOT_STARTED"`
	Stage3Status string `gorm:"size:16;default:NOT_STARTED"`

	// No column defaults on the booleans: GORM omits zero-valued fields
	// carrying a default tag from the INSERT, which would silently turn an
	// explicit false into the column default. Defaults live in release.Create.
	AutoTransitionToStage2 bool
	AutoTransitionToStage3 bool
	HasManualBuildUpload   bool
	RerunRequested         bool

	CronStatus string `gorm:"size:16;default:RUNNING;index"`

	LockedBy   string `gorm:"size:64"`
	LockedAt   *time.Time
	LockExpiry *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Release Release          `gorm:"foreignKey:ReleaseID"`
	Slots   []RegressionSlot `gorm:"foreignKey:CronJobID"`
}

// StageStatus returns the status column value for the given stage (1-3).
func (j *CronJob) StageStatus(stage int) string {
	switch stage {
	case 1:
		return j.Stage1Status
	case 2:
		return j.Stage2Status
	case 3:
		return j.Stage3Status
	}
	return ""
}

// StageColumn returns the database column name for the given stage (1-3).
func StageColumn(stage int) string {
	switch stage {
	case 1:
		return "stage1_status"
	case 2:
		return "stage2_status"
	case 3:
		return "stage3_status"
	}
	return ""
}
