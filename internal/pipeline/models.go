package pipeline

import (
	"fmt"
	"time"
)

// Status captures lifecycle states for a pipeline run.
type Status string

// Supported run statuses.
const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Step names one stage of a run, in execution order.
type Step string

const (
	StepSource  Step = "source"
	StepRuntime Step = "runtime"
	StepKey     Step = "key"
	StepRestore Step = "restore"
	StepFetch   Step = "fetch"
	StepLogin   Step = "login"
	StepBuild   Step = "build"
	StepPublish Step = "publish"
	StepSave    Step = "save"
)

// StepResult records one executed or skipped step.
type StepResult struct {
	Step      Step          `json:"step"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Run is the record of one pipeline run.
type Run struct {
	ID        string       `json:"id"`
	Branch    string       `json:"branch"`
	Commit    string       `json:"commit,omitempty"`
	CacheKey  string       `json:"cache_key,omitempty"`
	CacheHit  bool         `json:"cache_hit"`
	Image     string       `json:"image"`
	Status    Status       `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Steps     []StepResult `json:"steps"`
	Error     string       `json:"error,omitempty"`
}

// StepError reports which step a run died in. It unwraps to the step's own
// error so callers can still match on causes like context.Canceled.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Request carries the per-run parameters not fixed by configuration.
type Request struct {
	// ID optionally fixes the run record's identifier so callers that
	// schedule runs can refer to them before they finish. A fresh one is
	// generated when empty.
	ID string
	// Branch is the pushed ref the run is for.
	Branch string
	// Commit optionally pins the exact revision to check out.
	Commit string
	// Force bypasses the trigger-branch gate applied by callers that
	// enforce one. The pipeline itself ignores it.
	Force bool
}

// RunRepository persists run records.
type RunRepository interface {
	Save(run *Run) error
}
