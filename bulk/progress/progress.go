// Package progress caches live progress and final results for polling
// clients, keeping high-frequency reads off the job database. Entries
// expire: progress shortly after a job finishes, results after a longer
// retention window.
package progress

import (
	"context"
	"math"
	"time"
)

// Progress is the lightweight polling view cached per job
type Progress struct {
	Current    int       `json:"current"`
	Total      int       `json:"total"`
	Percentage float64   `json:"percentage"`
	Message    string    `json:"message,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store caches progress snapshots and final results per job id. Callers
// treat store failures as best-effort: progress visibility is a convenience,
// not a correctness dependency.
type Store interface {
	SetProgress(ctx context.Context, jobID string, current, total int, message string) error
	// GetProgress returns ok=false when no entry exists or it has expired
	GetProgress(ctx context.Context, jobID string) (Progress, bool, error)
	SetResult(ctx context.Context, jobID string, result interface{}) error
	// GetResult unmarshals the cached result into out, ok=false on a miss
	GetResult(ctx context.Context, jobID string, out interface{}) (bool, error)
	// DeleteAll drops both entries for a job
	DeleteAll(ctx context.Context, jobID string) error
}

// Percent computes completion as a percentage rounded to two decimals.
// A zero total reports zero rather than dividing.
func Percent(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(current)/float64(total)*10000) / 100
}

func newProgress(current, total int, message string) Progress {
	return Progress{
		Current:    current,
		Total:      total,
		Percentage: Percent(current, total),
		Message:    message,
		UpdatedAt:  time.Now(),
	}
}

func progressKey(jobID string) string { return "skein:progress:" + jobID }
func resultKey(jobID string) string   { return "skein:result:" + jobID }
