package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/infra/auth"
	"go.uber.org/zap"
)

type PolicyService interface {
	List(ctx context.Context, page, limit int, onlyActive bool) (domain.Page[domain.Policy], error)
	GetByID(ctx context.Context, id string) (domain.Policy, error)
	Create(ctx context.Context, actor string, p domain.Policy) (domain.Policy, error)
	Update(ctx context.Context, actor, id string, p domain.Policy) (domain.Policy, error)
	Delete(ctx context.Context, actor, id string) error
}

type PolicyHandler struct {
	service PolicyService
	logger  *zap.Logger
}

func NewPolicyHandler(s PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{service: s, logger: logger.Named("policy-api")}
}

// List GET /policies?page=&limit=&active=
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
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
	var onlyActive bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		if onlyActive, err = strconv.ParseBool(raw); err != nil {
			writeError(w, h.logger, &domain.RequestError{Field: "active", Message: "must be a boolean"})
			return
		}
	}

	res, err := h.service.List(r.Context(), page, limit, onlyActive)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, h.logger, err)
		return
	}

	created, err := h.service.Create(r.Context(), auth.UserIDFrom(r.Context()), p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, h.logger, err)
		return
	}

	updated, err := h.service.Update(r.Context(), auth.UserIDFrom(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), auth.UserIDFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
