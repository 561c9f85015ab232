// Package store persists the supervisor registry so it survives restarts of
// the supervisor itself.
package store

import (
	"context"
	"errors"

	"github.com/loykin/tailvisor/internal/process"
)

// ErrPersistence wraps every failure to read or write a snapshot.
var ErrPersistence = errors.New("persistence failure")

// Snapshot is the durable form of the registry: every record without its
// transient fields, plus the next identifier to issue.
type Snapshot struct {
	Processes []process.Durable `json:"processes"`
	Counter   uint64            `json:"counter"`
}

// Store reads and writes snapshots. Load returns an empty snapshot and no
// error when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	Close() error
}
