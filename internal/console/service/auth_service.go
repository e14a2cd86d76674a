package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/infra/auth"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrIssuerDisabled - у инстанса нет закрытого ключа, токены выпускает другой узел
	ErrIssuerDisabled = errors.New("token issuing is not configured")
)

type AuthProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

type AuthService struct {
	repo   AuthProvider
	signer *auth.Signer
	now    func() time.Time
}

func NewAuthService(repo AuthProvider, signer *auth.Signer) *AuthService {
	return &AuthService{repo: repo, signer: signer, now: time.Now}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	if s.signer == nil {
		return nil, ErrIssuerDisabled
	}

	// 1. Аутентификация
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: load user: %w", err)
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Подпись токена закрытым ключом (RS256), скоупы из прав пользователя
	token, ttl, err := s.signer.Sign(user, s.now())
	if err != nil {
		return nil, err
	}
	return &domain.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
	}, nil
}

// HashPassword - bcrypt-хеш для заведения пользователей.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// MemoryUsers - пользователи консоли без БД (dev-режим и тесты).
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewMemoryUsers(users ...domain.User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[string]domain.User, len(users))}
	for _, u := range users {
		m.users[u.Username] = u
	}
	return m
}

func (m *MemoryUsers) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	return &u, nil
}

func (m *MemoryUsers) UpsertUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = *u
	return nil
}
