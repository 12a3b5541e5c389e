package scheduler

import (
	"fmt"
	"time"

	"github.com/dream-horizon-org/delivr/internal/models"
	"gorm.io/gorm"
)

// DefaultLockLease is the fallback lease duration for cron job locks.
const DefaultLockLease = 2 * time.Minute

// TryAcquireLock atomically claims the cron job's lease for owner. The
// single conditional UPDATE succeeds only if the job is unlocked or its
// existing lease has expired, so two schedulers racing on the same job see
// exactly one winner. Contention is expected and is not an error: the
// caller gets (false, nil) and skips the job.
func TryAcquireLock(db *gorm.DB, jobID uint, owner string, lease time.Duration) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("scheduler: owner is required")
	}
	if lease <= 0 {
		lease = DefaultLockLease
	}

	now := time.Now()
	expiry := now.Add(lease)

	result := db.Model(&models.CronJob{}).
		Where("id = ? AND (locked_by = '' OR locked_by IS NULL OR lock_expiry < ?)", jobID, now).
		Updates(map[string]interface{}{
			"locked_by":   owner,
			"locked_at":   now,
			"lock_expiry": expiry,
		})
	if result.Error != nil {
		return false, fmt.Errorf("scheduler: acquire lock for job %d: %w", jobID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseLock clears the lease, but only while owner still holds it. A
// release arriving after the lease expired and was claimed by a successor
// is a no-op, never an error; the lease itself is the crash safety net.
func ReleaseLock(db *gorm.DB, jobID uint, owner string) error {
	// Untyped nils would be dropped from the map update; NULL out the
	// timestamps explicitly so released rows carry no stale lease metadata.
	result := db.Model(&models.CronJob{}).
		Where("id = ? AND locked_by = ?", jobID, owner).
		Updates(map[string]interface{}{
			"locked_by":   "",
			"locked_at":   gorm.Expr("NULL"),
			"lock_expiry": gorm.Expr("NULL"),
		})
	if result.Error != nil {
		return fmt.Errorf("scheduler: release lock for job %d: %w", jobID, result.Error)
	}
	return nil
}
