package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/stockpilehq/stockpile/internal/resilience"
)

// Classify maps database errors onto the shared retry taxonomy. SQLite
// reports contention as textual "locked"/"busy" errors, which are safe to
// retry; everything else is treated as a hard failure.
func Classify(err error) resilience.Classification {
	if err == nil {
		return resilience.Classification{}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Classification{
			Retryable: false,
			Kind:      resilience.KindTransient,
			Reason:    "context ended",
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return resilience.Classification{
			Retryable: false,
			Kind:      resilience.KindIntegrity,
			Reason:    "row not found",
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "busy"),
		strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "timeout"):
		return resilience.Classification{
			Retryable: true,
			Kind:      resilience.KindTransient,
			Reason:    "database contention",
		}
	case strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "foreign key constraint"),
		strings.Contains(msg, "check constraint"):
		return resilience.Classification{
			Retryable: false,
			Kind:      resilience.KindIntegrity,
			Reason:    "constraint violation",
		}
	}

	return resilience.Classification{
		Retryable: false,
		Kind:      resilience.KindTransient,
		Reason:    "database error",
	}
}
