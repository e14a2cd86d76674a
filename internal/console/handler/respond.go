package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/xela07ax/bastion-pdp/internal/console/service"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"go.uber.org/zap"
)

// Предел тела запроса консоли
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError - единая карта доменных ошибок в HTTP-статусы.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var verr *domain.ValidationError
	var rerr *domain.RequestError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid_policy_config", Fields: verr.Fields})
	case errors.As(err, &rerr):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "invalid_request",
			Message: rerr.Field + " " + rerr.Message,
			Fields:  []domain.FieldError{{Field: rerr.Field, Message: rerr.Message}},
		})
	case errors.Is(err, domain.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, domain.ErrApprovalConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "approval_conflict", Message: err.Error()})
	case errors.Is(err, domain.ErrSnapshotUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "snapshot_unavailable", Message: err.Error()})
	case errors.Is(err, service.ErrInvalidCredentials):
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, service.ErrIssuerDisabled):
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "token_issuing_disabled", Message: err.Error()})
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &domain.RequestError{Field: "body", Message: "is not valid JSON: " + err.Error()}
	}
	return nil
}

// queryInt читает целый query-параметр; пустое значение даёт 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &domain.RequestError{Field: name, Message: fmt.Sprintf("must be an integer, got %q", raw)}
	}
	return v, nil
}
