package patients

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/apptschedule/libs/db"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
)

type PostgresDirectory struct {
	pool *db.Pool
}

func NewPostgresDirectory(pool *db.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) ResolvePatient(ctx context.Context, id string) (Patient, error) {
	var p Patient
	err := d.pool.QueryRow(ctx, `
		SELECT id, display_name, email, phone, practitioner_id
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.DisplayName, &p.Email, &p.Phone, &p.PractitionerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Patient{}, apperr.NotFound("resolve_patient", "patient", id)
	}
	if err != nil {
		err = fmt.Errorf("resolve patient: %w", err)
		if pgconn.SafeToRetry(err) {
			return Patient{}, unavailable(err)
		}
		return Patient{}, err
	}
	return p, nil
}
