// Package job owns the canonical bulk job record: its state machine,
// persistence, and the single mutation entry point all workers go through.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/errors"
)

// State represents the current state of a bulk job
type State string

const (
	StateQueued     State = "queued"
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// IsValidState returns true if the string is a valid State
func IsValidState(s string) bool {
	switch State(s) {
	case StateQueued, StateInProgress, StateComplete, StateFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for states no transition leaves
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// CanTransition reports whether the state machine permits moving from s to next.
// in_progress -> in_progress is the re-entrant progress update path.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateQueued:
		return next == StateInProgress
	case StateInProgress:
		return next == StateInProgress || next == StateComplete || next == StateFailed
	default:
		return false
	}
}

// Type identifies the bulk operation a job performs
type Type string

const (
	TypeCreate   Type = "create"
	TypeUpdate   Type = "update"
	TypeReplace  Type = "replace"
	TypeDelete   Type = "delete"
	TypeUpsert   Type = "upsert"
	TypePipeline Type = "pipeline"
)

// IsValidType returns true if the string is a valid job Type
func IsValidType(s string) bool {
	switch Type(s) {
	case TypeCreate, TypeUpdate, TypeReplace, TypeDelete, TypeUpsert, TypePipeline:
		return true
	default:
		return false
	}
}

// ItemError records one failed input item. Index refers to the item's
// position in the submitted batch; Data carries the offending payload.
type ItemError struct {
	Index   int                    `json:"index"`
	Message string                 `json:"error"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// BulkJob is one tracked unit of asynchronous batch work
type BulkJob struct {
	ID         string `json:"id"`
	JobType    Type   `json:"job_type"`
	EntityType string `json:"entity_type"`
	State      State  `json:"state"`
	Actor      string `json:"actor,omitempty"`

	TotalItems     int `json:"total_items"`
	ProcessedItems int `json:"processed_items"`
	SuccessCount   int `json:"success_count"`
	ErrorCount     int `json:"error_count"`

	CreatedIDs []int64     `json:"created_ids"`
	UpdatedIDs []int64     `json:"updated_ids"`
	DeletedIDs []int64     `json:"deleted_ids"`
	Errors     []ItemError `json:"errors"`

	// Payload holds the submitted items for background execution
	Payload      json.RawMessage `json:"payload,omitempty"`
	UniqueFields []string        `json:"unique_fields,omitempty"`
	UpdateFields []string        `json:"update_fields,omitempty"`

	// Failure carries the job-level error message for failed jobs
	Failure string `json:"failure,omitempty"`

	AggregatesReady     bool                   `json:"aggregates_ready"`
	AggregatesCompleted bool                   `json:"aggregates_completed"`
	AggregateResults    map[string]interface{} `json:"aggregate_results,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// New creates a queued bulk job for the given operation and entity type
func New(jobType Type, entityType string, totalItems int, actor string) (*BulkJob, error) {
	if !IsValidType(string(jobType)) {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "job type %q", jobType)
	}
	if actor == "" {
		actor = "system"
	}

	now := time.Now()
	return &BulkJob{
		ID:         uuid.NewString(),
		JobType:    jobType,
		EntityType: entityType,
		State:      StateQueued,
		Actor:      actor,
		TotalItems: totalItems,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Snapshot is the status view returned to pollers
type Snapshot struct {
	JobID          string      `json:"job_id"`
	JobType        Type        `json:"job_type"`
	State          State       `json:"state"`
	TotalItems     int         `json:"total_items"`
	ProcessedItems int         `json:"processed_items"`
	SuccessCount   int         `json:"success_count"`
	ErrorCount     int         `json:"error_count"`
	CreatedIDs     []int64     `json:"created_ids"`
	UpdatedIDs     []int64     `json:"updated_ids"`
	DeletedIDs     []int64     `json:"deleted_ids"`
	Errors         []ItemError `json:"errors"`
	Failure        string      `json:"failure,omitempty"`
}

// Snapshot returns the caller-facing status view of the job
func (j *BulkJob) Snapshot() Snapshot {
	return Snapshot{
		JobID:          j.ID,
		JobType:        j.JobType,
		State:          j.State,
		TotalItems:     j.TotalItems,
		ProcessedItems: j.ProcessedItems,
		SuccessCount:   j.SuccessCount,
		ErrorCount:     j.ErrorCount,
		CreatedIDs:     j.CreatedIDs,
		UpdatedIDs:     j.UpdatedIDs,
		DeletedIDs:     j.DeletedIDs,
		Errors:         j.Errors,
		Failure:        j.Failure,
	}
}
