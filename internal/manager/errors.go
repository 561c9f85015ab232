package manager

import (
	"errors"

	"github.com/loykin/tailvisor/internal/privilege"
)

var (
	// ErrUnknownProcess is returned for an identifier not in the registry.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrUnknownUser is returned when the requested user cannot be resolved.
	ErrUnknownUser = privilege.ErrUnknownUser
	// ErrInvalidSpec is returned for create or update requests missing
	// required fields.
	ErrInvalidSpec = errors.New("invalid process spec")
	// ErrNotStarted is returned when tailing a record whose monitoring loop
	// never ran.
	ErrNotStarted = errors.New("process has no live output")
	// ErrShuttingDown is returned for mutations after Shutdown began.
	ErrShuttingDown = errors.New("supervisor is shutting down")
	// ErrNotRestored is returned by Flush while a store is configured but its
	// snapshot has not been loaded by Restore.
	ErrNotRestored = errors.New("snapshot store not restored")
)
