package postgres

/*
Файл approval_repo.go - хранилище заявок на подтверждение доступа.
Дедупликация по кортежу обеспечивается частичным уникальным индексом
approvals_pending_tuple, а переход статуса - условным UPDATE ... WHERE status = 'PENDING'.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

type ApprovalRepo struct {
	db *sql.DB
}

func NewApprovalRepo(db *sql.DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

const approvalColumns = `id, status, requester, requester_role, target, action, reason, policy_id,
	access_level, duration_seconds, tuple_key, reviewer, note, reviewed_at, created_at, expires_at`

// CreatePending вставляет заявку, если по её кортежу нет ожидающей; иначе возвращает существующую.
func (r *ApprovalRepo) CreatePending(ctx context.Context, app *domain.ApprovalRequest) (*domain.ApprovalRequest, bool, error) {
	target, err := json.Marshal(app.Target)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: encode target: %w", err)
	}
	action, err := json.Marshal(app.Action)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: encode action: %w", err)
	}

	insert := `
		INSERT INTO approvals (id, status, requester, requester_role, target, action, reason, policy_id,
		                       access_level, duration_seconds, tuple_key, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tuple_key) WHERE status = 'PENDING' DO NOTHING
		RETURNING ` + approvalColumns

	// Конфликт с заявкой, которую успели закрыть между INSERT и SELECT, разрешается повтором
	for attempt := 0; attempt < 3; attempt++ {
		row := r.db.QueryRowContext(ctx, insert,
			app.ID, string(domain.StatusPending), app.Requester, app.RequesterRole, target, action, app.Reason,
			app.PolicyID, app.AccessLevel, int64(app.Duration/time.Second), app.TupleKey, app.CreatedAt, app.ExpiresAt,
		)
		created, err := scanApproval(row)
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("postgres: failed to create approval request: %w", err)
		}

		row = r.db.QueryRowContext(ctx,
			`SELECT `+approvalColumns+` FROM approvals WHERE tuple_key = $1 AND status = 'PENDING'`, app.TupleKey)
		existing, err := scanApproval(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("postgres: failed to load pending approval: %w", err)
		}
	}
	return nil, false, fmt.Errorf("postgres: approval tuple is contended: %w", domain.ErrApprovalConflict)
}

// Transition атомарно переводит заявку из PENDING.
// RETURNING позволяет получить строку за один проход без предварительного SELECT.
func (r *ApprovalRepo) Transition(ctx context.Context, id string, to domain.ApprovalStatus, reviewer, note string, at time.Time) (*domain.ApprovalRequest, error) {
	if !to.Terminal() {
		return nil, domain.ErrInvalidTransition
	}
	query := `
		UPDATE approvals
		SET status = $1,
		    reviewer = NULLIF($2, ''),
		    note = NULLIF($3, ''),
		    reviewed_at = $4
		WHERE id = $5 AND status = 'PENDING'
		RETURNING ` + approvalColumns

	app, err := scanApproval(r.db.QueryRowContext(ctx, query, string(to), reviewer, note, at, id))
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: failed to update approval status: %w", err)
	}

	// Строк нет: либо ID неверный, либо решение уже принято
	current, getErr := r.GetApprovalByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return current, fmt.Errorf("approval %s is %s: %w", id, current.Status, domain.ErrApprovalConflict)
}

func (r *ApprovalRepo) GetApprovalByID(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	app, err := scanApproval(r.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get approval: %w", err)
	}
	return app, nil
}

// FindApprovals фильтрация и постраничная выборка очереди заявок.
func (r *ApprovalRepo) FindApprovals(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, int, error) {
	where := ""
	var args []any
	if f.Status != "" {
		where = " WHERE status = $1"
		args = append(args, string(f.Status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: failed to count approvals: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM approvals%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		approvalColumns, where, n+1, n+2)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	items, err := r.queryApprovals(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *ApprovalRepo) ListExpired(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	return r.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = 'PENDING' AND expires_at <= $1 ORDER BY expires_at`, now)
}

func (r *ApprovalRepo) queryApprovals(ctx context.Context, query string, args ...any) ([]*domain.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		app, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		results = append(results, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func scanApproval(row rowScanner) (*domain.ApprovalRequest, error) {
	var (
		app             domain.ApprovalRequest
		status          string
		target, action  []byte
		durationSeconds int64
		reviewer, note  sql.NullString // Используем для обработки NULL из БД
		reviewedAt      sql.NullTime
	)
	err := row.Scan(
		&app.ID, &status, &app.Requester, &app.RequesterRole, &target, &action, &app.Reason, &app.PolicyID,
		&app.AccessLevel, &durationSeconds, &app.TupleKey, &reviewer, &note, &reviewedAt,
		&app.CreatedAt, &app.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	app.Status = domain.ApprovalStatus(status)
	app.Duration = time.Duration(durationSeconds) * time.Second
	if err := unmarshalJSONB(target, &app.Target); err != nil {
		return nil, fmt.Errorf("postgres: approval %s target: %w", app.ID, err)
	}
	if err := unmarshalJSONB(action, &app.Action); err != nil {
		return nil, fmt.Errorf("postgres: approval %s action: %w", app.ID, err)
	}

	// Маппим NULL значения в указатели
	if reviewer.Valid {
		val := reviewer.String
		app.Reviewer = &val
	}
	if note.Valid {
		val := note.String
		app.Note = &val
	}
	if reviewedAt.Valid {
		val := reviewedAt.Time
		app.ReviewedAt = &val
	}
	return &app, nil
}
