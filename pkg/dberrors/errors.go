// Package dberrors defines the error taxonomy shared by all SpruceDB
// components.
package dberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing key. It is a first-class result of
	// the read path, not a failure.
	ErrNotFound = errors.New("sprucedb: not found")

	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("sprucedb: closed")

	ErrInvalidArgument = errors.New("sprucedb: invalid argument")

	// ErrTooLargeEntry is returned when a key or value exceeds the
	// configured caps before anything is written.
	ErrTooLargeEntry = errors.New("sprucedb: entry too large")

	// ErrNoSpace surfaces a full disk during flush or compaction. The
	// failed operation is retried after caller intervention; durable
	// data is never dropped.
	ErrNoSpace = errors.New("sprucedb: no disk space")

	// ErrCorruption is the sentinel wrapped by CorruptionError.
	ErrCorruption = errors.New("sprucedb: corruption")
)

// CorruptionError reports a checksum or framing failure in a WAL or
// segment file. It never silently produces wrong data: the WAL truncates
// at the corruption point, a segment is reported unreadable.
type CorruptionError struct {
	File   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("sprucedb: corruption in %s at offset %d: %s", e.File, e.Offset, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

// NewCorruption builds a CorruptionError for file at offset.
func NewCorruption(file string, offset int64, reason string) error {
	return &CorruptionError{File: file, Offset: offset, Reason: reason}
}
