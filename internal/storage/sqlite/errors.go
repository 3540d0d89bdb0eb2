package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
)

// wrapDBError wraps a database error with operation context. sql.ErrNoRows
// becomes storage.ErrNotFound and constraint violations become
// storage.ErrConflict so callers can branch on sentinels.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	case isConstraintViolation(err):
		return fmt.Errorf("%s: %v: %w", op, err, storage.ErrConflict)
	case isBusy(err):
		return fmt.Errorf("%s: %v: %w", op, err, storage.ErrLocked)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isConstraintViolation detects UNIQUE, CHECK, and FOREIGN KEY failures.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "constraint violation")
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// isBusy detects SQLITE_BUSY and SQLITE_LOCKED conditions.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
