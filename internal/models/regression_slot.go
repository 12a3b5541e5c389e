package models

import "time"

// RegressionSlot is a scheduled point in the regression stage with a
// configuration of which activities fire once its time has passed. A slot
// is consumed exactly once: Processed is flipped in the same transaction
// that creates its tasks, so it never re-fires.
type RegressionSlot struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	CronJobID   uint      `gorm:"index;not null"`
	Sequence    int       `gorm:"not null"`
	ScheduledAt time.Time `gorm:"index"`

	RegressionBuilds bool
	AutomationBuild  bool
	AutomationRun    bool
	PostNotes        bool

	Processed   bool `gorm:"index"`
	ProcessedAt *time.Time
	CreatedAt   time.Time
}
