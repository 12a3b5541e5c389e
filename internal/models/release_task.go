package models

import "time"

// Task statuses.
const (
	TaskPending   = "PENDING"
	TaskRunning   = "RUNNING"
	TaskSucceeded = "SUCCEEDED"
	TaskFailed    = "FAILED"
)

// Task types. Kickoff (stage 1), regression (stage 2), pre-release (stage 3).
const (
	TaskForkBranch             = "FORK_BRANCH"
	TaskCreateTicket           = "CREATE_PROJECT_MANAGEMENT_TICKET"
	TaskCreateTestSuites       = "CREATE_TEST_SUITES"
	TaskCreateRCTag            = "CREATE_RC_TAG"
	TaskTriggerRegressionBuild = "TRIGGER_REGRESSION_BUILD"
	TaskTriggerAutomationBuild = "TRIGGER_AUTOMATION_BUILD"
	TaskRunAutomationTests     = "RUN_AUTOMATION_TESTS"
	TaskPostReleaseNotes       = "POST_RELEASE_NOTES"
	TaskCreateReleaseTag       = "CREATE_RELEASE_TAG"
	TaskFinalReleaseNotes      = "FINAL_RELEASE_NOTES"
	TaskVerifyApprovals        = "VERIFY_APPROVALS"
)

// ReleaseTask is one dispatchable unit of work. DependsOn lists task types
// that must have SUCCEEDED before this task may start. Output holds the
// executor's structured result as JSON once the task succeeds.
type ReleaseTask struct {
	ID         string  `gorm:"primaryKey;size:32"`
	ReleaseID  string  `gorm:"size:32;index;not null"`
	CycleID    *string `gorm:"size:32"`
	Stage      int     `gorm:"not null;index"`
	Type       string  `gorm:"size:48;not null"`
	Platform   string  `gorm:"size:16"`
	Status     string  `gorm:"size:16;default:PENDING;index"`
	DependsOn  string  `gorm:"type:json"`
	RetryCount int     `gorm:"default:0"`
	Conclusion string  `gorm:"type:text"`
	Output     string  `gorm:"type:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
