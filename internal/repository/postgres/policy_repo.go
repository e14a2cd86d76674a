package postgres

/*
Файл policy_repo.go отвечает за долговременное хранение политик.
Проверка идёт в памяти по снапшоту; БД читается только при (пере)загрузке.
Множества (селектор, шаблоны, дни) хранятся в JSONB и в домене всегда типизированные слайсы.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

const policyColumns = `id, name, description, priority, is_active, target_selector, command_mode,
	command_patterns, allowed_days, allowed_start_time, allowed_end_time, timezone, require_approval,
	created_at, updated_at`

// GetAllPolicies выполняет "холодную загрузку" всего набора политик.
func (r *PolicyRepo) GetAllPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (r *PolicyRepo) GetPolicyByID(ctx context.Context, id string) (*domain.Policy, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (r *PolicyRepo) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	args, err := policyArgs(p)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: failed to create policy: %w", err)
	}
	return nil
}

// UpdatePolicy заменяет политику целиком; created_at не трогаем.
func (r *PolicyRepo) UpdatePolicy(ctx context.Context, p *domain.Policy) error {
	args, err := policyArgs(p)
	if err != nil {
		return err
	}
	query := `
		UPDATE policies
		SET name = $2, description = $3, priority = $4, is_active = $5, target_selector = $6,
		    command_mode = $7, command_patterns = $8, allowed_days = $9, allowed_start_time = $10,
		    allowed_end_time = $11, timezone = $12, require_approval = $13, updated_at = $14
		WHERE id = $1`

	// created_at в UPDATE не участвует
	res, err := r.db.ExecContext(ctx, query, append(args[:13:13], p.UpdatedAt)...)
	if err != nil {
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: policy %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *PolicyRepo) DeletePolicy(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: policy %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (domain.Policy, error) {
	var (
		p                        domain.Policy
		selector, patterns, days []byte
		startTime, endTime       sql.NullString
		mode                     string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Priority, &p.IsActive, &selector, &mode,
		&patterns, &days, &startTime, &endTime, &p.Timezone, &p.RequireApproval,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("postgres: failed to scan policy: %w", err)
	}
	p.CommandMode = domain.CommandMode(mode)

	if err := unmarshalJSONB(selector, &p.TargetSelector); err != nil {
		return p, fmt.Errorf("postgres: policy %s target_selector: %w", p.ID, err)
	}
	if err := unmarshalJSONB(patterns, &p.CommandPatterns); err != nil {
		return p, fmt.Errorf("postgres: policy %s command_patterns: %w", p.ID, err)
	}
	if err := unmarshalJSONB(days, &p.AllowedDays); err != nil {
		return p, fmt.Errorf("postgres: policy %s allowed_days: %w", p.ID, err)
	}
	if p.AllowedStartTime, err = parseClock(startTime); err != nil {
		return p, fmt.Errorf("postgres: policy %s allowed_start_time: %w", p.ID, err)
	}
	if p.AllowedEndTime, err = parseClock(endTime); err != nil {
		return p, fmt.Errorf("postgres: policy %s allowed_end_time: %w", p.ID, err)
	}
	return p, nil
}

func policyArgs(p *domain.Policy) ([]any, error) {
	selector, err := json.Marshal(p.TargetSelector)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode target_selector: %w", err)
	}
	patterns, err := json.Marshal(nonNil(p.CommandPatterns))
	if err != nil {
		return nil, fmt.Errorf("postgres: encode command_patterns: %w", err)
	}
	days, err := json.Marshal(nonNil(p.AllowedDays))
	if err != nil {
		return nil, fmt.Errorf("postgres: encode allowed_days: %w", err)
	}
	return []any{
		p.ID, p.Name, p.Description, p.Priority, p.IsActive, selector, string(p.CommandMode),
		patterns, days, clockArg(p.AllowedStartTime), clockArg(p.AllowedEndTime), p.Timezone, p.RequireApproval,
		p.CreatedAt, p.UpdatedAt,
	}, nil
}

func unmarshalJSONB(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func clockArg(t *domain.TimeOfDay) any {
	if t == nil {
		return nil
	}
	return t.String()
}

func parseClock(s sql.NullString) (*domain.TimeOfDay, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := domain.ParseTimeOfDay(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
