package failover

import (
	"context"
	"fmt"
	"time"
)

// StepStatus is the recorded state of one step.
type StepStatus string

const (
	StatusPending StepStatus = "pending"
	StatusApplied StepStatus = "applied"
	StatusSkipped StepStatus = "skipped"
	StatusFailed  StepStatus = "failed"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Index      int           `json:"index"`
	Step       Step          `json:"step"`
	Status     StepStatus    `json:"status"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	ResourceID string        `json:"resource_id,omitempty"`

	err error
}

// Result is the outcome of one run.
type Result struct {
	RunID      string        `json:"run_id"`
	Plan       string        `json:"plan"`
	Scenario   Scenario      `json:"scenario"`
	Phase      Phase         `json:"phase"`
	Steps      []StepResult  `json:"steps"`
	FailedStep int           `json:"failed_step"`
	Error      string        `json:"error,omitempty"`
	Started    time.Time     `json:"started"`
	Finished   time.Time     `json:"finished"`
	Duration   time.Duration `json:"duration"`
}

func newResult(runID string, plan *Plan) *Result {
	res := &Result{
		RunID:      runID,
		Plan:       plan.Name,
		Scenario:   plan.Scenario,
		Phase:      PhaseIdle,
		Steps:      make([]StepResult, len(plan.Steps)),
		FailedStep: -1,
		Started:    time.Now(),
	}
	for i, step := range plan.Steps {
		res.Steps[i] = StepResult{Index: i, Step: step, Status: StatusPending}
	}
	return res
}

func (r *Result) fail(index int, err error) {
	r.Phase = PhaseFailed
	r.FailedStep = index
	r.Error = err.Error()
}

// Succeeded reports whether every step was applied or skipped.
func (r *Result) Succeeded() bool {
	return r.Phase == PhaseDone
}

// Count returns how many steps ended with status.
func (r *Result) Count(status StepStatus) int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// StepError names the step a run stopped at and wraps its cause.
type StepError struct {
	Index  int
	Op     Op
	Target string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s %s): %v", e.Index+1, e.Op, e.Target, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type nopRecorder struct{}

func (nopRecorder) RunStarted(context.Context, *Result, *Plan) error       { return nil }
func (nopRecorder) StepFinished(context.Context, string, StepResult) error { return nil }
func (nopRecorder) RunFinished(context.Context, *Result) error             { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordStep(context.Context, string, string, time.Duration) {}
func (nopMetrics) RecordRun(context.Context, string, string, time.Duration)  {}
