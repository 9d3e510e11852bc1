package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"gorm.io/gorm"
)

// classifyPG maps driver failures onto the error taxonomy. Errors already in
// the taxonomy and context errors pass through untouched.
func classifyPG(op string, err error) error {
	if err == nil || passThrough(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "55P03":
			return apperr.Conflict(op, "", "appointment is locked by another transaction")
		case pgErr.Code == "23505":
			return apperr.Conflict(op, "", "appointment already exists")
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return apperr.Transient(op, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return apperr.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) {
		return apperr.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func classifySQLite(op string, err error) error {
	if err == nil || passThrough(err) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Conflict(op, "", "appointment already exists")
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "sqlite_busy"):
		return apperr.Transient(op, err)
	case strings.Contains(msg, "unique constraint failed"):
		return apperr.Conflict(op, "", "appointment already exists")
	}
	return fmt.Errorf("%s: %w", op, err)
}

func passThrough(err error) bool {
	var ae *apperr.Error
	return errors.As(err, &ae) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
