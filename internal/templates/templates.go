// Package templates resolves and renders company message templates.
package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Template types used by the notification flows.
const (
	TypeConfirmation = "confirmation"
	TypeReminder     = "reminder"
)

// DefaultConfirmation is used when a company has no active
// confirmation template.
const DefaultConfirmation = "Olá {{nome_cliente}}, seu horário {{servico}} é dia {{data}} às {{hora}}."

// Template is a company-configured message body with placeholders.
type Template struct {
	ID        uuid.UUID
	CompanyID string
	Type      string
	Content   string
	Active    bool
}

// PgxPool is the pool surface the repository needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository loads message templates from Postgres.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		return nil
	}
	return &Repository{pool: pool}
}

// ActiveByType returns the company's active template of the given
// type, or nil when none is configured.
func (r *Repository) ActiveByType(ctx context.Context, companyID, templateType string) (*Template, error) {
	query := `
		SELECT id, company_id, type, content, active
		FROM message_templates
		WHERE company_id = $1 AND type = $2 AND active = true
		LIMIT 1
	`
	var tpl Template
	err := r.pool.QueryRow(ctx, query, companyID, templateType).
		Scan(&tpl.ID, &tpl.CompanyID, &tpl.Type, &tpl.Content, &tpl.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("templates: find active by type: %w", err)
	}
	return &tpl, nil
}

// Render substitutes {{placeholder}} occurrences with the given
// values. Unknown placeholders are left in place.
func Render(content string, vars map[string]string) string {
	out := content
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
