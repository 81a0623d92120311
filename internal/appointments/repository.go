package appointments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the pool surface the repository needs; satisfied by
// pgxpool.Pool and by pgxmock in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists appointments in Postgres.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		return nil
	}
	return &Repository{pool: pool}
}

// NextUpcomingByPhoneFragment finds the company's nearest future
// appointment whose client phone contains the given digit fragment.
// Returns nil when no such appointment exists.
func (r *Repository) NextUpcomingByPhoneFragment(ctx context.Context, companyID, fragment string) (*Appointment, error) {
	query := `
		SELECT a.id, a.company_id, a.client_id, a.service_id, a.date, a.time, a.status
		FROM appointments a
		JOIN clients c ON c.id = a.client_id
		WHERE a.company_id = $1
			AND c.phone LIKE '%' || $2 || '%'
			AND a.date >= now()
		ORDER BY a.date ASC
		LIMIT 1
	`
	var appt Appointment
	err := r.pool.QueryRow(ctx, query, companyID, fragment).
		Scan(&appt.ID, &appt.CompanyID, &appt.ClientID, &appt.ServiceID, &appt.Date, &appt.Time, &appt.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("appointments: find by phone fragment: %w", err)
	}
	return &appt, nil
}

// UpdateStatus overwrites the appointment status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `
		UPDATE appointments
		SET status = $2, updated_at = now()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, status); err != nil {
		return fmt.Errorf("appointments: update status: %w", err)
	}
	return nil
}

// DetailForMessage loads an appointment scoped to the company with
// the client and service names needed for notification templates.
// Returns nil when the appointment does not belong to the company.
func (r *Repository) DetailForMessage(ctx context.Context, companyID string, id uuid.UUID) (*Detail, error) {
	query := `
		SELECT a.id, a.company_id, a.client_id, a.service_id, a.date, a.time, a.status,
			c.name, c.phone, s.name
		FROM appointments a
		JOIN clients c ON c.id = a.client_id
		JOIN services s ON s.id = a.service_id
		WHERE a.id = $1 AND a.company_id = $2
	`
	var detail Detail
	err := r.pool.QueryRow(ctx, query, id, companyID).
		Scan(&detail.ID, &detail.CompanyID, &detail.ClientID, &detail.ServiceID,
			&detail.Date, &detail.Time, &detail.Status,
			&detail.ClientName, &detail.ClientPhone, &detail.ServiceName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("appointments: load detail: %w", err)
	}
	return &detail, nil
}
