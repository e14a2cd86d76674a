package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
	StatusExpired  ApprovalStatus = "EXPIRED"
)

var ErrInvalidTransition = errors.New("invalid approval status transition")

func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

func (s ApprovalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Уровень доступа, который запрашивается: целая сессия или одна команда
const (
	AccessLevelSession = "session"
	AccessLevelCommand = "command"
)

type ApprovalRequest struct {
	ID            string         `json:"id"`
	Status        ApprovalStatus `json:"status"`
	Requester     string         `json:"requester"`
	RequesterRole string         `json:"requesterRole"`
	Target        Target         `json:"target"`
	Action        Action         `json:"action"`
	Reason        string         `json:"reason"` // Почему понадобилось подтверждение (из Decision)
	PolicyID      string         `json:"policyId"`
	AccessLevel   string         `json:"accessLevel"`
	// В JSON - целые секунды, как в колонке duration_seconds
	Duration time.Duration `json:"duration"`

	// Ключ (субъект, цель, действие): не больше одной PENDING-заявки на ключ
	TupleKey string `json:"-"`

	Reviewer   *string    `json:"reviewer,omitempty"`
	Note       *string    `json:"note,omitempty"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type approvalJSON ApprovalRequest

func (a ApprovalRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		approvalJSON
		Duration int64 `json:"duration"`
	}{approvalJSON(a), int64(a.Duration / time.Second)})
}

func (a *ApprovalRequest) UnmarshalJSON(data []byte) error {
	aux := struct {
		*approvalJSON
		Duration int64 `json:"duration"`
	}{approvalJSON: (*approvalJSON)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.Duration = time.Duration(aux.Duration) * time.Second
	return nil
}

// CanTransitionTo проверяет правила конечного автомата: только PENDING -> терминальный статус, один раз.
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrApprovalConflict
	}
	if !next.Terminal() {
		return ErrInvalidTransition
	}
	return nil
}

// ExpiredAt сообщает, истёк ли срок ожидания решения к моменту now.
func (a *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return a.Status == StatusPending && !now.Before(a.ExpiresAt)
}

// NewApprovalRequest строит PENDING-заявку из запроса и решения движка.
func NewApprovalRequest(id string, req AccessRequest, d Decision, duration time.Duration, now time.Time) *ApprovalRequest {
	level := AccessLevelSession
	if req.Action.Type == ActionExecute {
		level = AccessLevelCommand
	}
	return &ApprovalRequest{
		ID:            id,
		Status:        StatusPending,
		Requester:     req.Subject.UserID,
		RequesterRole: req.Subject.Role,
		Target:        req.Target,
		Action:        req.Action,
		Reason:        d.Reason,
		PolicyID:      d.MatchedPolicyID,
		AccessLevel:   level,
		Duration:      duration,
		TupleKey:      req.TupleKey(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(duration),
	}
}

// ApprovalFilter - параметры выборки очереди заявок.
type ApprovalFilter struct {
	Status ApprovalStatus
	Page   int
	Limit  int
}

// BulkResult - результат одной заявки в пакетном подтверждении.
type BulkResult struct {
	ID     string         `json:"id"`
	OK     bool           `json:"ok"`
	Status ApprovalStatus `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
}
