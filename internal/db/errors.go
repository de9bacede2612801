package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrPersistenceConflict is retryable for the affected fingerprint only.
	ErrPersistenceConflict = errors.New("persistence conflict")
	// ErrPersistenceFatal aborts the whole commit; the request must be retried.
	ErrPersistenceFatal = errors.New("persistence fatal")
)

// classify maps driver errors onto the two persistence sentinels. Integrity
// violations and serialization/deadlock failures are conflicts; anything
// else means the store cannot be trusted for this unit.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistenceConflict) || errors.Is(err, ErrPersistenceFatal) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "23", "40":
			return fmt.Errorf("%w: %w", ErrPersistenceConflict, err)
		}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", ErrPersistenceConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistenceFatal, err)
}

// IsInsufficientPrivilege reports a Postgres 42501, which EnsureSchema
// callers treat as "schema managed elsewhere".
func IsInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

func isConflict(err error) bool { return errors.Is(err, ErrPersistenceConflict) }
