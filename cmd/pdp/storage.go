package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/xela07ax/bastion-pdp/internal/approval"
	"github.com/xela07ax/bastion-pdp/internal/audit"
	"github.com/xela07ax/bastion-pdp/internal/console/service"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/infra"
	"github.com/xela07ax/bastion-pdp/internal/infra/auth"
	"github.com/xela07ax/bastion-pdp/internal/policy"
	"github.com/xela07ax/bastion-pdp/internal/repository/postgres"
	"go.uber.org/zap"
)

type userStore interface {
	service.AuthProvider
	UpsertUser(ctx context.Context, u *domain.User) error
}

type auditStore interface {
	audit.Storage
	service.AuditLogProvider
}

// storage - набор хранилищ: Postgres, если задан database.url, иначе память.
type storage struct {
	policies  policy.Repository
	approvals approval.Repository
	audit     auditStore
	users     userStore
	close     func()
}

func openStorage(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*storage, error) {
	if cfg.URL == "" {
		logger.Warn("database.url is empty, running with in-memory storage")
		return &storage{
			policies:  policy.NewMemoryRepository(),
			approvals: approval.NewMemoryRepository(),
			audit:     service.NewMemoryAuditLog(0),
			users:     service.NewMemoryUsers(),
			close:     func() {},
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.URL, postgres.Options{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	if err != nil {
		return nil, err
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &storage{
		policies:  postgres.NewPolicyRepo(db),
		approvals: postgres.NewApprovalRepo(db),
		audit:     postgres.NewAuditRepo(db),
		users:     postgres.NewUserRepo(db),
		close:     func() { _ = db.Close() },
	}, nil
}

// loadKeys разбирает RSA-ключи из конфига. Без ключей поднимается эфемерная пара (dev-режим).
// Только публичный ключ: инстанс проверяет токены, но не выпускает их.
func loadKeys(cfg infra.AuthConfig, logger *zap.Logger) (*rsa.PublicKey, *auth.Signer, error) {
	if len(cfg.PublicKey) == 0 && len(cfg.PrivateKey) == 0 {
		logger.Warn("no RSA keys configured, generating an ephemeral key pair")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, fmt.Errorf("generate key: %w", err)
		}
		return &key.PublicKey, auth.NewSigner(key, cfg.TokenTTL), nil
	}

	var signer *auth.Signer
	var pub *rsa.PublicKey
	if len(cfg.PrivateKey) > 0 {
		key, err := auth.ParseRSAPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, nil, err
		}
		signer = auth.NewSigner(key, cfg.TokenTTL)
		pub = &key.PublicKey
	}
	if len(cfg.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		pub = key
	}
	return pub, signer, nil
}

// bootstrapAdmin заводит (или обновляет) администратора консоли.
func bootstrapAdmin(ctx context.Context, users userStore, cfg infra.AuthConfig) error {
	if cfg.AdminPassword == "" {
		return nil
	}
	hash, err := service.HashPassword(cfg.AdminPassword, cfg.BcryptCost)
	if err != nil {
		return err
	}
	return users.UpsertUser(ctx, &domain.User{
		ID:           "admin",
		Username:     cfg.AdminUsername,
		PasswordHash: hash,
		Role:         "admin",
		Scopes: map[string]bool{
			domain.ScopePolicyWrite:    true,
			domain.ScopeApprovalReview: true,
			domain.ScopeDecisionQuery:  true,
		},
	})
}
