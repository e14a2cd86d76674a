package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, email, username, password_hash, role, scopes, created_at, updated_at
		FROM users WHERE username = $1`

	var (
		u      domain.User
		scopes []byte
	)
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &scopes, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}
	if err := unmarshalJSONB(scopes, &u.Scopes); err != nil {
		return nil, fmt.Errorf("postgres: user %s scopes: %w", username, err)
	}
	return &u, nil
}

// UpsertUser используется для первичного заведения администратора.
func (r *UserRepo) UpsertUser(ctx context.Context, u *domain.User) error {
	scopes, err := json.Marshal(u.Scopes)
	if err != nil {
		return fmt.Errorf("postgres: encode scopes: %w", err)
	}
	query := `
		INSERT INTO users (id, email, username, password_hash, role, scopes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (username) DO UPDATE
		SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role, scopes = EXCLUDED.scopes, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, u.ID, u.Email, u.Username, u.PasswordHash, u.Role, scopes); err != nil {
		return fmt.Errorf("postgres: failed to upsert user: %w", err)
	}
	return nil
}
