package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xela07ax/bastion-pdp/internal/audit"
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

const auditColumns = `id, timestamp, actor_id, kind, request_summary, verdict, status,
	matched_policy_id, approval_id, snapshot_version, trace_id`

// Количество колонок в таблице audit_logs
const auditFields = 11

// WriteBatch сохраняет пачку событий одним INSERT.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 1; j <= auditFields; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*auditFields+j)
		}
		sb.WriteString(")")

		vals = append(vals,
			e.ID, e.Timestamp, e.ActorID, e.Kind, e.RequestSummary, e.Verdict, e.Status,
			e.MatchedPolicyID, e.ApprovalID, int64(e.SnapshotVersion), e.TraceID,
		)
	}

	query := "INSERT INTO audit_logs (" + auditColumns + ") VALUES " + sb.String() + " ON CONFLICT (id) DO NOTHING"
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// FetchLogs - последние события с необязательными фильтрами по актору и виду.
func (r *AuditRepo) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE ($1 = '' OR actor_id = $1) AND ($2 = '' OR kind = $2)
		ORDER BY timestamp DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, f.ActorID, f.Kind, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit logs: %w", err)
	}
	defer rows.Close()

	results := make([]audit.Event, 0)
	for rows.Next() {
		var (
			e       audit.Event
			version int64
		)
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.ActorID, &e.Kind, &e.RequestSummary, &e.Verdict, &e.Status,
			&e.MatchedPolicyID, &e.ApprovalID, &version, &e.TraceID,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		e.SnapshotVersion = uint64(version)
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
