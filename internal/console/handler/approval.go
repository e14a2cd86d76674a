package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/infra/auth"
	"go.uber.org/zap"
)

// ApprovalService Описываем, что нам нужно от Approval Gate
type ApprovalService interface {
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	List(ctx context.Context, f domain.ApprovalFilter) (domain.Page[*domain.ApprovalRequest], error)
	Approve(ctx context.Context, id, reviewer, note string) (*domain.ApprovalRequest, error)
	Reject(ctx context.Context, id, reviewer, note string) (*domain.ApprovalRequest, error)
	BulkApprove(ctx context.Context, ids []string, reviewer, note string) []domain.BulkResult
}

type ApprovalHandler struct {
	service ApprovalService
	logger  *zap.Logger
}

func NewApprovalHandler(s ApprovalService, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{service: s, logger: logger.Named("approval-api")}
}

type DecideRequest struct {
	Note string `json:"note"`
}

type BulkApproveRequest struct {
	IDs  []string `json:"ids"`
	Note string   `json:"note"`
}

type BulkApproveResponse struct {
	Results []domain.BulkResult `json:"results"`
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	app, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// List GET /approvals?status=&page=&limit=; без status отдаются все
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.service.List(r.Context(), domain.ApprovalFilter{
		Status: domain.ApprovalStatus(r.URL.Query().Get("status")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Approve)
}

func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Reject)
}

type decideFunc func(ctx context.Context, id, reviewer, note string) (*domain.ApprovalRequest, error)

func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	var req DecideRequest
	// Тело необязательно: пустой POST означает решение без комментария
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	app, err := fn(r.Context(), chi.URLParam(r, "id"), auth.UserIDFrom(r.Context()), req.Note)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *ApprovalHandler) BulkApprove(w http.ResponseWriter, r *http.Request) {
	var req BulkApproveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, h.logger, &domain.RequestError{Field: "ids", Message: "must not be empty"})
		return
	}

	results := h.service.BulkApprove(r.Context(), req.IDs, auth.UserIDFrom(r.Context()), req.Note)
	writeJSON(w, http.StatusOK, BulkApproveResponse{Results: results})
}
