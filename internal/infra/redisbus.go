package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// RedisBus публикует межинстансные сигналы: обновление политик и решения по заявкам.
type RedisBus struct {
	rdb        *redis.Client
	instanceID string
}

func NewRedisBus(rdb *redis.Client, instanceID string) *RedisBus {
	return &RedisBus{rdb: rdb, instanceID: instanceID}
}

func (b *RedisBus) InstanceID() string { return b.instanceID }

// PolicyUpdated публикует "instance:version"; подписчики игнорируют свой instance.
func (b *RedisBus) PolicyUpdated(ctx context.Context, version uint64) error {
	payload := b.instanceID + ":" + strconv.FormatUint(version, 10)
	if err := b.rdb.Publish(ctx, RedisChanPolicyRefresh, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish policy refresh: %w", err)
	}
	return nil
}

// ApprovalSignal - то, что получает шлюз подключений
type ApprovalSignal struct {
	ID          string                `json:"id"`
	Status      domain.ApprovalStatus `json:"status"`
	Requester   string                `json:"requester"`
	Target      domain.Target         `json:"target"`
	Action      domain.Action         `json:"action"`
	AccessLevel string                `json:"accessLevel"`
	// До какого момента действует выданный доступ (только для APPROVED)
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

func (b *RedisBus) ApprovalDecided(ctx context.Context, app *domain.ApprovalRequest) error {
	sig := ApprovalSignal{
		ID:          app.ID,
		Status:      app.Status,
		Requester:   app.Requester,
		Target:      app.Target,
		Action:      app.Action,
		AccessLevel: app.AccessLevel,
	}
	if app.Status == domain.StatusApproved && app.ReviewedAt != nil {
		until := app.ReviewedAt.Add(app.Duration)
		sig.ValidUntil = &until
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("redis: encode approval signal: %w", err)
	}
	if err := b.rdb.Publish(ctx, RedisChanApprovalDecisions, data).Err(); err != nil {
		return fmt.Errorf("redis: publish approval decision: %w", err)
	}
	return nil
}

// ParseRefreshSignal разбирает "instance:version".
func ParseRefreshSignal(payload string) (instanceID string, version uint64, err error) {
	idx := strings.LastIndexByte(payload, ':')
	if idx <= 0 || idx == len(payload)-1 {
		return "", 0, fmt.Errorf("invalid refresh signal %q", payload)
	}
	version, err = strconv.ParseUint(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid refresh signal version %q: %w", payload, err)
	}
	return payload[:idx], version, nil
}
