package correlation

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateOrigin = errors.New("origin already recorded")
	ErrNotFound        = errors.New("origin not found")
	ErrEmptyMirrors    = errors.New("mirror list is empty")

	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
	ErrSnapshotIO      = errors.New("snapshot io failure")

	ErrInvalidDSN = errors.New("invalid storage dsn")
)

// SnapshotError describes a failed snapshot load or save.
// Corrupt distinguishes undecodable contents from I/O failures.
type SnapshotError struct {
	Op      string
	Path    string
	Corrupt bool
	Err     error
}

func (e *SnapshotError) Error() string {
	kind := "io"
	if e.Corrupt {
		kind = "corrupt"
	}
	if e.Path != "" {
		return fmt.Sprintf("snapshot %s %s (%s): %v", e.Op, e.Path, kind, e.Err)
	}
	return fmt.Sprintf("snapshot %s (%s): %v", e.Op, kind, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

func (e *SnapshotError) Is(target error) bool {
	switch target {
	case ErrSnapshotCorrupt:
		return e.Corrupt
	case ErrSnapshotIO:
		return !e.Corrupt
	}
	return false
}

func corruptErr(op, path string, err error) error {
	return &SnapshotError{Op: op, Path: path, Corrupt: true, Err: err}
}

func ioErr(op, path string, err error) error {
	return &SnapshotError{Op: op, Path: path, Err: err}
}
