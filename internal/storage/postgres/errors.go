package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

const (
	pgUniqueViolation   = "23505"
	pgCheckViolation    = "23514"
	pgLockNotAvailable  = "55P03"
	pgAdminShutdown     = "57P01"
	pgCannotConnectNow  = "57P03"
	pgConnectionClass   = "08"
	pgInsufficientClass = "53"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// wrapErr переводит ошибки драйвера в доменные: сетевые сбои и перегрузка
// становятся ErrStoreUnavailable, таймаут блокировки строки: ErrGroupBusy,
// нарушение CHECK на вместимость: ErrCapacityExceeded.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgLockNotAvailable:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrGroupBusy, err)
		case pgErr.Code == pgCheckViolation && pgErr.ConstraintName == "groups_capacity_check":
			return fmt.Errorf("%s: %w: %w", op, domain.ErrCapacityExceeded, err)
		case pgErr.Code == pgAdminShutdown, pgErr.Code == pgCannotConnectNow,
			len(pgErr.Code) >= 2 && (pgErr.Code[:2] == pgConnectionClass || pgErr.Code[:2] == pgInsufficientClass):
			return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
