package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Connection statuses persisted for a tenant session.
const (
	StatusPending      = "pending"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// PgxPool is the pool surface the store needs; satisfied by
// pgxpool.Pool and by pgxmock in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConnectionRecord is the durable projection of a tenant's WhatsApp
// session: one row per company, re-keyed but never duplicated.
type ConnectionRecord struct {
	ID         uuid.UUID
	CompanyID  string
	InstanceID string
	Status     string
	LastQRCode string
	UpdatedAt  time.Time
}

// ConnectionRecords is the durable-store boundary used by the session
// layer; satisfied by ConnectionStore and by fakes in tests.
type ConnectionRecords interface {
	FindByCompany(ctx context.Context, companyID string) (*ConnectionRecord, error)
	FindByInstanceID(ctx context.Context, instanceID string) (*ConnectionRecord, error)
	Create(ctx context.Context, companyID, instanceID string) (*ConnectionRecord, error)
	Rekey(ctx context.Context, id uuid.UUID, instanceID string) error
	UpdateStatus(ctx context.Context, instanceID, status, lastQR string) error
	All(ctx context.Context) ([]ConnectionRecord, error)
}

// ConnectionStore persists connection records in Postgres.
type ConnectionStore struct {
	pool PgxPool
}

func NewConnectionStore(pool PgxPool) *ConnectionStore {
	if pool == nil {
		return nil
	}
	return &ConnectionStore{pool: pool}
}

// FindByCompany returns the company's connection record, or nil when
// none exists yet.
func (s *ConnectionStore) FindByCompany(ctx context.Context, companyID string) (*ConnectionRecord, error) {
	query := `
		SELECT id, company_id, external_instance_id, status, last_qr_code, updated_at
		FROM whatsapp_connections
		WHERE company_id = $1
	`
	rec, err := s.scanOne(s.pool.QueryRow(ctx, query, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("whatsapp: find connection by company: %w", err)
	}
	return rec, nil
}

// FindByInstanceID resolves a connection record from the external
// instance id carried by inbound webhooks.
func (s *ConnectionStore) FindByInstanceID(ctx context.Context, instanceID string) (*ConnectionRecord, error) {
	query := `
		SELECT id, company_id, external_instance_id, status, last_qr_code, updated_at
		FROM whatsapp_connections
		WHERE external_instance_id = $1
	`
	rec, err := s.scanOne(s.pool.QueryRow(ctx, query, instanceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("whatsapp: find connection by instance: %w", err)
	}
	return rec, nil
}

// Create inserts the company's connection record with status pending.
func (s *ConnectionStore) Create(ctx context.Context, companyID, instanceID string) (*ConnectionRecord, error) {
	rec := &ConnectionRecord{
		ID:         uuid.New(),
		CompanyID:  companyID,
		InstanceID: instanceID,
		Status:     StatusPending,
	}
	query := `
		INSERT INTO whatsapp_connections (id, company_id, external_instance_id, status)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, query, rec.ID, rec.CompanyID, rec.InstanceID, rec.Status); err != nil {
		return nil, fmt.Errorf("whatsapp: create connection: %w", err)
	}
	return rec, nil
}

// Rekey updates the external instance id on an existing record when
// the derivation changes; the row itself is reused.
func (s *ConnectionStore) Rekey(ctx context.Context, id uuid.UUID, instanceID string) error {
	query := `
		UPDATE whatsapp_connections
		SET external_instance_id = $2, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, instanceID); err != nil {
		return fmt.Errorf("whatsapp: rekey connection: %w", err)
	}
	return nil
}

// UpdateStatus overwrites the status projection for an instance. A
// later event always wins; when lastQR is empty the stored QR payload
// is left untouched.
func (s *ConnectionStore) UpdateStatus(ctx context.Context, instanceID, status, lastQR string) error {
	query := `
		UPDATE whatsapp_connections
		SET status = $2,
			last_qr_code = COALESCE(NULLIF($3, ''), last_qr_code),
			updated_at = now()
		WHERE external_instance_id = $1
	`
	if _, err := s.pool.Exec(ctx, query, instanceID, status, lastQR); err != nil {
		return fmt.Errorf("whatsapp: update connection status: %w", err)
	}
	return nil
}

// All returns every connection record; used by startup reconciliation.
func (s *ConnectionStore) All(ctx context.Context) ([]ConnectionRecord, error) {
	query := `
		SELECT id, company_id, external_instance_id, status, last_qr_code, updated_at
		FROM whatsapp_connections
		ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: list connections: %w", err)
	}
	defer rows.Close()

	var out []ConnectionRecord
	for rows.Next() {
		rec, err := s.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: scan connection: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *ConnectionStore) scanOne(row pgx.Row) (*ConnectionRecord, error) {
	var rec ConnectionRecord
	var lastQR *string
	if err := row.Scan(&rec.ID, &rec.CompanyID, &rec.InstanceID, &rec.Status, &lastQR, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if lastQR != nil {
		rec.LastQRCode = *lastQR
	}
	return &rec, nil
}
