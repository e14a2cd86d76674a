package domain

import (
	"strings"
	"time"
)

// ActionType - что субъект пытается сделать на целевом сервере
type ActionType string

const (
	ActionConnect ActionType = "CONNECT"
	ActionExecute ActionType = "EXECUTE"
)

type Subject struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type Target struct {
	ServerID    string   `json:"serverId"`
	Environment string   `json:"environment"`
	Tags        []string `json:"tags"`
}

type Action struct {
	Type    ActionType `json:"type"`
	Command string     `json:"command,omitempty"` // Только для EXECUTE
}

// AccessRequest собирается на каждую проверку и нигде не хранится.
type AccessRequest struct {
	Subject   Subject   `json:"subject"`
	Target    Target    `json:"target"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate проверяет форму запроса (не политику): без этого нечего оценивать.
func (r AccessRequest) Validate() error {
	if r.Subject.UserID == "" {
		return &RequestError{Field: "subject.userId", Message: "is required"}
	}
	switch r.Action.Type {
	case ActionConnect:
	case ActionExecute:
		if r.Action.Command == "" {
			return &RequestError{Field: "action.command", Message: "is required for EXECUTE"}
		}
	default:
		return &RequestError{Field: "action.type", Message: "must be CONNECT or EXECUTE"}
	}
	return nil
}

// TupleKey идентифицирует (субъект, цель, действие) для дедупликации заявок на доступ.
func (r AccessRequest) TupleKey() string {
	return strings.Join([]string{
		r.Subject.UserID,
		r.Target.ServerID,
		r.Target.Environment,
		string(r.Action.Type),
		r.Action.Command,
	}, "\x1f")
}

// Summary - короткое описание запроса для аудита и логов.
func (r AccessRequest) Summary() string {
	target := r.Target.ServerID
	if target == "" {
		target = r.Target.Environment
	}
	s := r.Subject.UserID + "(" + r.Subject.Role + ") " + string(r.Action.Type) + " " + target
	if r.Action.Type == ActionExecute {
		s += ": " + r.Action.Command
	}
	return s
}
