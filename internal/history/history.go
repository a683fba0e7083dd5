// Package history defines the update history record kept by the watcher and
// shown by `redeploy status`.
package history

import (
	"context"
	"time"
)

// SucceededReason is the Reason recorded for a successful cycle.
const SucceededReason = "succeeded"

// Entry is one persisted update cycle.
type Entry struct {
	ID        int64
	StartedAt time.Time
	Target    string
	Image     string
	Reason    string
	Warnings  []string
	Elapsed   time.Duration
	Error     string
}

func (e Entry) Succeeded() bool {
	return e.Reason == SucceededReason
}

// Store persists entries.
// Production: adapter/sqlite.HistoryStore
// Testing: fake.HistoryStore
type Store interface {
	Record(ctx context.Context, e Entry) error
	// Recent returns up to n entries, newest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
	// Prune keeps the newest keep entries and reports how many were removed.
	Prune(ctx context.Context, keep int) (int64, error)
}
