package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/dream-horizon-org/delivr/internal/release"
	"github.com/dream-horizon-org/delivr/internal/scheduler"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, db *gorm.DB, sch *scheduler.Scheduler) {
	router.GET("/healthz", handleHealth)

	router.GET("/api/releases", handleReleaseList(db))
	router.GET("/api/releases/:id", handleReleaseDetail(db))
	router.POST("/api/releases", handleReleaseCreate(db))
	router.POST("/api/releases/:id/stage2", handleStartStage2(db))
	router.POST("/api/releases/:id/rerun", handleRequestRerun(db))
	router.POST("/api/releases/:id/archive", handleArchive(db))
	router.POST("/api/tasks/:id/retry", handleRetryTask(db))

	if sch != nil {
		router.POST("/api/tick", handleTick(sch))
	}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleReleaseList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		releases, err := release.List(db, release.ListFilters{
			Status: c.Query("status"),
			Type:   c.Query("type"),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"releases": releases})
	}
}

func handleReleaseDetail(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := release.GetDetail(db, c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

// createReleaseRequest is the JSON body for POST /api/releases.
type createReleaseRequest struct {
	Version         string     `json:"version"`
	Type            string     `json:"type"`
	BaseBranch      string     `json:"base_branch"`
	ParentReleaseID string     `json:"parent_release_id"`
	KickoffAt       *time.Time `json:"kickoff_at"`
	TargetReleaseAt *time.Time `json:"target_release_at"`

	CronExpr               string            `json:"cron_expr"`
	AutoTransitionToStage2 *bool             `json:"auto_transition_to_stage2"`
	AutoTransitionToStage3 *bool             `json:"auto_transition_to_stage3"`
	HasManualBuildUpload   bool              `json:"has_manual_build_upload"`
	Slots                  []slotRequest     `json:"slots"`
}

type slotRequest struct {
	ScheduledAt      *time.Time `json:"scheduled_at"`
	OffsetHours      int        `json:"offset_hours"`
	RegressionBuilds bool       `json:"regression_builds"`
	AutomationBuild  bool       `json:"automation_build"`
	AutomationRun    bool       `json:"automation_run"`
	PostNotes        bool       `json:"post_notes"`
}

func handleReleaseCreate(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createReleaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		opts := release.CreateOpts{
			Version:                req.Version,
			Type:                   req.Type,
			BaseBranch:             req.BaseBranch,
			ParentReleaseID:        req.ParentReleaseID,
			CronExpr:               req.CronExpr,
			AutoTransitionToStage2: true,
			AutoTransitionToStage3: true,
			HasManualBuildUpload:   req.HasManualBuildUpload,
		}
		if req.KickoffAt != nil {
			opts.KickoffAt = *req.KickoffAt
		}
		if req.TargetReleaseAt != nil {
			opts.TargetReleaseAt = *req.TargetReleaseAt
		}
		if req.AutoTransitionToStage2 != nil {
			opts.AutoTransitionToStage2 = *req.AutoTransitionToStage2
		}
		if req.AutoTransitionToStage3 != nil {
			opts.AutoTransitionToStage3 = *req.AutoTransitionToStage3
		}
		for _, s := range req.Slots {
			opts.Slots = append(opts.Slots, release.SlotOpts{
				ScheduledAt:      s.ScheduledAt,
				Offset:           time.Duration(s.OffsetHours) * time.Hour,
				RegressionBuilds: s.RegressionBuilds,
				AutomationBuild:  s.AutomationBuild,
				AutomationRun:    s.AutomationRun,
				PostNotes:        s.PostNotes,
			})
		}

		rel, err := release.Create(db, opts)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rel)
	}
}

func handleStartStage2(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := release.StartStage2(db, c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stage 2 started"})
	}
}

func handleRequestRerun(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := release.RequestRerun(db, c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "regression re-run requested"})
	}
}

func handleArchive(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := release.Archive(db, c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "archived"})
	}
}

func handleRetryTask(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := release.RetryTask(db, c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "task reset for retry"})
	}
}

// handleTick runs one scheduler pass synchronously. Webhook-driven
// deployments call this instead of running the interval loop; the decision
// logic is identical.
func handleTick(sch *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		sch.Tick(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"status": "tick complete"})
	}
}

// statusFor maps service errors to HTTP statuses: missing records are 404,
// rejected transitions 409, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, release.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, release.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
