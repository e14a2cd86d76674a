package domain

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidPolicyConfig - политика не прошла валидацию и не сохранена
	ErrInvalidPolicyConfig = errors.New("invalid policy config")
	// ErrApprovalConflict - попытка перехода из не-PENDING статуса
	ErrApprovalConflict = errors.New("approval request already resolved")
	// ErrSnapshotUnavailable - набор политик ещё ни разу не загружен
	ErrSnapshotUnavailable = errors.New("policy snapshot unavailable")
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid access request")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError несёт пополевые сообщения для админки.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return ErrInvalidPolicyConfig.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPolicyConfig }

// Add копит ошибки, чтобы вернуть все сразу, а не по одной.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil возвращает nil, если ошибок не накопилось.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

type RequestError struct {
	Field   string
	Message string
}

func (e *RequestError) Error() string {
	return ErrInvalidRequest.Error() + ": " + e.Field + " " + e.Message
}

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }
