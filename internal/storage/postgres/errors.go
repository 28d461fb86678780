package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sundayezeilo/urlgroups/internal/errx"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	serializationError  = "40001"
	deadlockDetected    = "40P01"
)

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errx.E(op, errx.NotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation, serializationError, deadlockDetected:
			return errx.E(op, errx.Conflict, err)
		case foreignKeyViolation:
			return errx.E(op, errx.NotFound, err)
		}
	}
	return errx.E(op, errx.Unavailable, err)
}
