// Package scheduler implements the global tick loop that advances all
// in-flight releases. Multiple scheduler processes may run concurrently;
// correctness across processes rests solely on the per-job expiring lease
// in lock.go, never on in-memory state.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dream-horizon-org/delivr/internal/config"
	"github.com/dream-horizon-org/delivr/internal/executor"
	"github.com/dream-horizon-org/delivr/internal/machine"
	"github.com/dream-horizon-org/delivr/internal/models"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// GenerateID creates a unique scheduler owner ID in sch-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("scheduler: generate ID: %w", err)
	}
	return "sch-" + hex.EncodeToString(b), nil
}

// Scheduler runs the recurring tick over all running cron jobs.
type Scheduler struct {
	db   *gorm.DB
	cfg  *config.Config
	exec executor.Executor
	out  io.Writer
	id   string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler with a fresh owner ID.
func New(db *gorm.DB, cfg *config.Config, exec executor.Executor, out io.Writer) (*Scheduler, error) {
	if db == nil {
		return nil, fmt.Errorf("scheduler: db is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("scheduler: config is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("scheduler: executor is required")
	}
	if out == nil {
		out = io.Discard
	}
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	return &Scheduler{db: db, cfg: cfg, exec: exec, out: out, id: id}, nil
}

// ID returns the scheduler's lock owner ID.
func (s *Scheduler) ID() string { return s.id }

// Start begins the interval tick loop. It is idempotent: starting an
// already-running scheduler is a no-op returning false.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return true
}

// Stop cancels future ticks and waits for the loop to exit. In-flight
// advance calls run to completion so no stage is left half-updated.
// Stopping an already-stopped scheduler is a no-op returning false.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return false
	}
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	return true
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Scheduler.TickInterval())
	defer ticker.Stop()

	fmt.Fprintf(s.out, "Scheduler %s running (tick every %s)\n", s.id, s.cfg.Scheduler.TickInterval())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every due cron job once, each in its own goroutine.
// Failures in one release never abort processing of others. Exported so
// webhook-driven deployments can trigger a tick directly.
func (s *Scheduler) Tick(ctx context.Context) {
	// Detach from the caller's context: a scheduler stop or a dropped
	// webhook connection gates future ticks but must not cancel task
	// attempts already in flight, which would charge spurious retries.
	ctx = context.WithoutCancel(ctx)
	now := time.Now()

	var jobs []models.CronJob
	if err := s.db.Where("cron_status = ? AND next_run_at <= ?", models.CronRunning, now).
		Find(&jobs).Error; err != nil {
		log.Printf("scheduler %s: query due jobs: %v", s.id, err)
		return
	}

	var wg sync.WaitGroup
	for i := range jobs {
		job := jobs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.processOne(ctx, &job); err != nil {
				log.Printf("scheduler %s: release %s: %v", s.id, job.ReleaseID, err)
			}
		}()
	}
	wg.Wait()
}

// processOne attempts to become the exclusive processor for one cron job:
// acquire the lease, advance the release's state machine, reschedule the
// next run, and release the lease regardless of the advance outcome.
func (s *Scheduler) processOne(ctx context.Context, job *models.CronJob) error {
	acquired, err := TryAcquireLock(s.db, job.ID, s.id, s.cfg.Scheduler.LockLease())
	if err != nil {
		return err
	}
	if !acquired {
		// Another instance holds a live lease.
		return nil
	}

	defer func() {
		if err := ReleaseLock(s.db, job.ID, s.id); err != nil {
			log.Printf("scheduler %s: release lock for job %d: %v", s.id, job.ID, err)
		}
	}()
	defer s.scheduleNext(job)

	if err := machine.Advance(ctx, s.db, s.exec, s.cfg, job.ReleaseID, time.Now(), s.out); err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	return nil
}

// scheduleNext computes the job's next due time from its cron expression.
func (s *Scheduler) scheduleNext(job *models.CronJob) {
	next := nextRun(job.CronExpr, time.Now(), s.cfg.Scheduler.TickInterval())
	if err := s.db.Model(&models.CronJob{}).
		Where("id = ?", job.ID).
		Update("next_run_at", next).Error; err != nil {
		log.Printf("scheduler %s: schedule next run for job %d: %v", s.id, job.ID, err)
	}
}

// nextRun parses a 5-field cron expression and returns the next fire time
// after now. Falls back to now + fallback on parse error so a bad
// expression degrades to interval ticking instead of stalling the job.
func nextRun(expr string, now time.Time, fallback time.Duration) time.Time {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		if fallback <= 0 {
			fallback = time.Minute
		}
		return now.Add(fallback)
	}
	return sched.Next(now)
}
