package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicate is returned by Save when a report with the same
	// fingerprint is already stored.
	ErrDuplicate = errors.New("store: duplicate report")

	// ErrInconsistent is returned by Save when a report disagrees with its
	// own records.
	ErrInconsistent = errors.New("store: inconsistent report")
)

// StoreError wraps a persistence failure: connectivity, or a constraint
// other than the fingerprint index.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// FilterError rejects a Filter before any query runs.
type FilterError struct {
	Field  string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter: %s: %s", e.Field, e.Reason)
}

const pgUniqueViolation = "23505"

// isFingerprintConflict reports whether err is the unique index on
// reports.fingerprint firing.
func isFingerprintConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation && strings.Contains(pgErr.ConstraintName, "fingerprint")
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed: reports.fingerprint")
}
