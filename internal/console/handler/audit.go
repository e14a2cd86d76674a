package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/bastion-pdp/internal/audit"
	"go.uber.org/zap"
)

type AuditService interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

type AuditHandler struct {
	service AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit-api")}
}

// GetLogs возвращает список событий аудита с поддержкой фильтрации
// GET /audit?actor=...&kind=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	logs, err := h.service.FetchLogs(r.Context(), audit.Filter{
		ActorID: r.URL.Query().Get("actor"),
		Kind:    r.URL.Query().Get("kind"),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
