package executor

import (
	"context"
	"sync"

	"github.com/dream-horizon-org/delivr/internal/models"
)

// Stub is a scriptable in-memory executor used by tests and by the
// scheduler's dry-run mode. By default every task succeeds with a generic
// result; individual task types can be scripted to fail or to return a
// specific result.
type Stub struct {
	mu      sync.Mutex
	results map[string]*Result
	errors  map[string]error
	calls   []string
}

// NewStub returns a Stub where every task type succeeds.
func NewStub() *Stub {
	return &Stub{
		results: make(map[string]*Result),
		errors:  make(map[string]error),
	}
}

// Succeed scripts taskType to return res.
func (s *Stub) Succeed(taskType string, res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[taskType] = res
	delete(s.errors, taskType)
}

// Fail scripts taskType to return err.
func (s *Stub) Fail(taskType string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[taskType] = err
}

// Calls returns the task types executed so far, in order.
func (s *Stub) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Execute implements Executor.
func (s *Stub) Execute(ctx context.Context, task *models.ReleaseTask) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, task.Type)
	if err, ok := s.errors[task.Type]; ok {
		return nil, err
	}
	if res, ok := s.results[task.Type]; ok {
		return res, nil
	}
	return &Result{Detail: "dry-run: " + task.Type}, nil
}
