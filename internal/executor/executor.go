// Package executor defines the task execution contract consumed by the
// state machine. Concrete adapters (CI systems, ticket trackers, source
// hosts) live outside this module; the orchestrator only sees structured
// success or failure per task.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dream-horizon-org/delivr/internal/models"
)

// Result is the structured output of a successful task execution. Fields
// are task-type specific; unused fields stay empty and are omitted from
// the persisted JSON.
type Result struct {
	BranchURL string            `json:"branch_url,omitempty"`
	TicketKey string            `json:"ticket_key,omitempty"`
	TagName   string            `json:"tag_name,omitempty"`
	JobURLs   map[string]string `json:"job_urls,omitempty"` // keyed by platform
	Detail    string            `json:"detail,omitempty"`
}

// JSON serializes the result for storage on the task row.
func (r *Result) JSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("executor: marshal result: %w", err)
	}
	return string(data), nil
}

// Executor performs the side effect for a single task. Task types must
// tolerate re-invocation: ticking is at-least-once, so a prior attempt may
// have partially or fully completed before its acknowledgment was lost.
type Executor interface {
	Execute(ctx context.Context, task *models.ReleaseTask) (*Result, error)
}

// WithTimeout wraps an Executor with a per-task deadline. A deadline hit
// surfaces as an ordinary error, which the state machine treats as a
// retryable failure. A timeout <= 0 disables the wrapper.
func WithTimeout(inner Executor, timeout time.Duration) Executor {
	if timeout <= 0 {
		return inner
	}
	return &timeoutExecutor{inner: inner, timeout: timeout}
}

type timeoutExecutor struct {
	inner   Executor
	timeout time.Duration
}

func (e *timeoutExecutor) Execute(ctx context.Context, task *models.ReleaseTask) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		res, err := e.inner.Execute(ctx, task)
		ch <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("executor: task %s (%s) timed out after %s", task.ID, task.Type, e.timeout)
	case o := <-ch:
		return o.res, o.err
	}
}
