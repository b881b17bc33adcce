package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fieldops-cloud/internal/billing/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

// mapError classifies driver errors into billing error kinds.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if billing.KindOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return billing.NewError(billing.KindNotFound, op, "", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return billing.WrapConflict(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001", "40P01", "55P03":
			return billing.WrapConflict(op, err) // serialization/deadlock/lock_not_available
		case "23503", "23514":
			return billing.WrapIntegrity(op, err) // foreign_key_violation/check_violation
		case "23505":
			return billing.WrapConflict(op, err) // unique_violation
		}
	}
	return err
}
