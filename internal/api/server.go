// Package api exposes the orchestration state and external triggers over
// HTTP. Consumers poll persisted state; there is no event bus.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dream-horizon-org/delivr/internal/scheduler"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB *gorm.DB
	// Scheduler, when set, enables the POST /api/tick webhook endpoint for
	// deployments that trigger ticks externally instead of running the
	// interval loop.
	Scheduler *scheduler.Scheduler
	Port      int
	Out       io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts.DB, opts.Scheduler)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router with all routes registered. Split from
// Start for tests.
func NewRouter(db *gorm.DB, sch *scheduler.Scheduler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, db, sch)
	return router
}
