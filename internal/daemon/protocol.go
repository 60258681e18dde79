// Package daemon keeps a long-lived runner behind a unix socket so pushes
// can be handed to it as triggers instead of spawning a fresh process per
// run. Requests and responses are single JSON envelopes, one exchange per
// connection.
package daemon

import (
	"encoding/json"
	"time"

	"github.com/justintemps/ilostat-simple-summarizer/internal/pipeline"
)

// Commands understood by the daemon.
const (
	CommandTrigger = "trigger"
	CommandStop    = "stop"
	CommandList    = "list"
	CommandInspect = "inspect"
	CommandPing    = "ping"
)

// IPCRequest is the envelope for one request. ID addresses an existing
// trigger; Payload carries command-specific parameters.
type IPCRequest struct {
	Command string          `json:"command"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse is the envelope for one reply.
type IPCResponse struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// TriggerRequest asks the daemon to schedule one run.
type TriggerRequest struct {
	Branch string `json:"branch"`
	Commit string `json:"commit,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// States a trigger moves through. The terminal run states share their
// spelling with pipeline.Status so live and recorded entries read the same.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSkipped   = "skipped"
	StateSucceeded = string(pipeline.StatusSucceeded)
	StateFailed    = string(pipeline.StatusFailed)
	StateCanceled  = "canceled"
)

// RunStatus is the compact view of one trigger, live or recorded.
type RunStatus struct {
	ID        string     `json:"id"`
	Branch    string     `json:"branch"`
	State     string     `json:"state"`
	QueuedAt  time.Time  `json:"queued_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CacheHit  bool       `json:"cache_hit,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// RunDetails extends RunStatus with the full record once a run has one.
type RunDetails struct {
	RunStatus
	Commit   string                `json:"commit,omitempty"`
	CacheKey string                `json:"cache_key,omitempty"`
	Image    string                `json:"image,omitempty"`
	Steps    []pipeline.StepResult `json:"steps,omitempty"`
}

func statusFromRun(run *pipeline.Run) RunStatus {
	status := RunStatus{
		ID:       run.ID,
		Branch:   run.Branch,
		State:    string(run.Status),
		QueuedAt: run.StartedAt,
		CacheHit: run.CacheHit,
		Error:    run.Error,
	}
	if !run.StartedAt.IsZero() {
		startedAt := run.StartedAt
		status.StartedAt = &startedAt
	}
	if !run.EndedAt.IsZero() {
		endedAt := run.EndedAt
		status.EndedAt = &endedAt
	}
	return status
}

func detailsFromRun(run *pipeline.Run) RunDetails {
	return RunDetails{
		RunStatus: statusFromRun(run),
		Commit:    run.Commit,
		CacheKey:  run.CacheKey,
		Image:     run.Image,
		Steps:     run.Steps,
	}
}
