package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/engine"
	"go.uber.org/zap"
)

// VersionHeader - версия снапшота, по которому принято решение.
const VersionHeader = "X-Policy-Version"

type DecisionEngine interface {
	Evaluate(ctx context.Context, req domain.AccessRequest) (engine.Result, error)
	Simulate(ctx context.Context, req domain.AccessRequest, hypothetical []domain.Policy) (domain.Decision, error)
}

type DecisionHandler struct {
	engine DecisionEngine
	logger *zap.Logger
}

func NewDecisionHandler(e DecisionEngine, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{engine: e, logger: logger.Named("decision-api")}
}

// Evaluate POST /policies/evaluate
func (h *DecisionHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req domain.AccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.engine.Evaluate(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set(VersionHeader, strconv.FormatUint(res.SnapshotVersion, 10))
	writeJSON(w, http.StatusOK, res)
}

// Simulate POST /policies/simulate: без заявок и аудита
func (h *DecisionHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req engine.SimulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	d, err := h.engine.Simulate(r.Context(), req.AccessRequest, req.Policies)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set(VersionHeader, strconv.FormatUint(d.SnapshotVersion, 10))
	writeJSON(w, http.StatusOK, d)
}
