package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSpaceUnknown is returned by a SpaceProbe that could not query the
	// filesystem holding a path.
	ErrSpaceUnknown = errors.New("free space unknown")

	// ErrRootUnavailable means the secondary root is not mounted or not writable.
	ErrRootUnavailable = errors.New("storage root unavailable")

	// ErrInvalidRoot is returned for a Root value outside Primary/Secondary/Default.
	ErrInvalidRoot = errors.New("invalid storage root")

	// ErrMigrationInProgress rejects a migration request while another one runs.
	ErrMigrationInProgress = errors.New("migration already in progress")

	// ErrInsufficientSpace is reported when the source tree is larger than the
	// free space at the target root.
	ErrInsufficientSpace = errors.New("insufficient space at target root")

	// ErrNoSelection means the selection store was never bootstrapped.
	ErrNoSelection = errors.New("no storage selection persisted")

	// ErrRootInUse refuses destructive operations on the active root.
	ErrRootInUse = errors.New("storage root is in use")

	// Migration failure kinds. A *MigrationError matches exactly one of them
	// with errors.Is.
	ErrCopyFailed             = errors.New("migration copy failed")
	ErrDeleteFailed           = errors.New("migration source delete failed")
	ErrPersistenceWriteFailed = errors.New("persisting storage selection failed")
)

// MigrationError describes why a migration task failed.
type MigrationError struct {
	Kind error  // one of ErrCopyFailed, ErrDeleteFailed, ErrPersistenceWriteFailed
	Path string // offending path, if any
	Err  error
}

func (e *MigrationError) Error() string {
	var msg strings.Builder
	msg.WriteString(e.Kind.Error())
	if e.Path != "" {
		fmt.Fprintf(&msg, " (%s)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprint(&msg, ": ", e.Err)
	}
	return msg.String()
}

func (e *MigrationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func copyFailed(path string, err error) *MigrationError {
	return &MigrationError{Kind: ErrCopyFailed, Path: path, Err: err}
}

func deleteFailed(path string, err error) *MigrationError {
	return &MigrationError{Kind: ErrDeleteFailed, Path: path, Err: err}
}

func persistFailed(err error) *MigrationError {
	return &MigrationError{Kind: ErrPersistenceWriteFailed, Err: err}
}
