package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/bastion-pdp/internal/approval"
	"github.com/xela07ax/bastion-pdp/internal/audit"
	"github.com/xela07ax/bastion-pdp/internal/console/handler"
	"github.com/xela07ax/bastion-pdp/internal/console/service"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/engine"
	"github.com/xela07ax/bastion-pdp/internal/infra/auth"
	"github.com/xela07ax/bastion-pdp/internal/policy"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type harness struct {
	srv    *ConsoleServer
	store  *policy.Store
	gate   *approval.Gate
	logs   *service.MemoryAuditLog
	signer *auth.Signer
}

func seedPolicies() []domain.Policy {
	return []domain.Policy{
		{
			ID:              "prod-approval",
			Name:            "prod needs approval",
			Priority:        50,
			IsActive:        true,
			TargetSelector:  domain.TargetSelector{Environments: []string{"prod"}},
			CommandMode:     domain.ModeBlacklist,
			CommandPatterns: []string{"rm -rf *"},
			RequireApproval: true,
		},
		{
			ID:              "staging-open",
			Name:            "staging open",
			Priority:        10,
			IsActive:        true,
			TargetSelector:  domain.TargetSelector{Environments: []string{"staging"}},
			CommandMode:     domain.ModeBlacklist,
			CommandPatterns: []string{"shutdown*"},
		},
	}
}

func newHarness(t *testing.T, load bool) *harness {
	t.Helper()
	logger := zap.NewNop()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := auth.NewSigner(key, time.Hour)

	store := policy.NewStore(policy.NewMemoryRepository(seedPolicies()...), policy.WithLogger(logger))
	if load {
		_, err := store.Reload(context.Background())
		require.NoError(t, err)
	}

	logs := service.NewMemoryAuditLog(0)
	trail := audit.NewTrail(logs, logger, audit.Options{FlushInterval: 10 * time.Millisecond})
	trail.Start()
	t.Cleanup(trail.Stop)

	gate := approval.NewGate(approval.NewMemoryRepository(), approval.WithAuditor(trail), approval.WithLogger(logger))
	pdp := engine.NewPDP(store, gate, trail, engine.NewMetrics(nil), logger)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	users := service.NewMemoryUsers(domain.User{
		ID:           "admin-1",
		Username:     "admin",
		PasswordHash: string(hash),
		Role:         "admin",
	})

	srv := NewConsoleServer(logger, auth.NewBaseValidator(&key.PublicKey), store, Handlers{
		Auth:     handler.NewAuthHandler(service.NewAuthService(users, signer), logger),
		Decision: handler.NewDecisionHandler(pdp, logger),
		Policy:   handler.NewPolicyHandler(service.NewPolicyService(store, trail), logger),
		Approval: handler.NewApprovalHandler(gate, logger),
		Audit:    handler.NewAuditHandler(service.NewAuditService(logs), logger),
	})
	return &harness{srv: srv, store: store, gate: gate, logs: logs, signer: signer}
}

// token выпускает токен пользователю с перечисленными скоупами
func (h *harness) token(t *testing.T, userID string, scopes ...string) string {
	t.Helper()
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	tok, _, err := h.signer.Sign(&domain.User{ID: userID, Role: "operator", Scopes: set}, time.Now())
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func accessRequest(env, command string) domain.AccessRequest {
	req := domain.AccessRequest{
		Subject: domain.Subject{UserID: "alice", Role: "dev"},
		Target:  domain.Target{ServerID: "srv-1", Environment: env},
		Action:  domain.Action{Type: domain.ActionConnect},
	}
	if command != "" {
		req.Action = domain.Action{Type: domain.ActionExecute, Command: command}
	}
	return req
}

func TestHealth(t *testing.T) {
	h := newHarness(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/health", "", nil).Code)

	_, err := h.store.Reload(context.Background())
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Policies)
	assert.Equal(t, uint64(1), body.SnapshotVersion)
}

func TestLogin(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(t, http.MethodPost, "/auth/token", "", domain.LoginRequest{Username: "admin", Password: "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[domain.TokenResponse](t, rec)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, int64(3600), tok.ExpiresIn)

	// Выданный токен сразу годится для защищённых роутов
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/policies", tok.AccessToken, nil).Code)

	for _, creds := range []domain.LoginRequest{
		{Username: "admin", Password: "wrong"},
		{Username: "ghost", Password: "s3cret"},
	} {
		assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/auth/token", "", creds).Code)
	}
}

func TestEvaluate_AuthAndScopes(t *testing.T) {
	h := newHarness(t, true)
	req := accessRequest("staging", "")

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/policies/evaluate", "", req).Code)
	assert.Equal(t, http.StatusForbidden,
		h.do(t, http.MethodPost, "/policies/evaluate", h.token(t, "bob", domain.ScopePolicyWrite), req).Code)

	rec := h.do(t, http.MethodPost, "/policies/evaluate", h.token(t, "bastion", domain.ScopeDecisionQuery), req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(handler.VersionHeader))
	assert.NotEmpty(t, rec.Header().Get(engine.TraceHeader))

	res := decode[engine.Result](t, rec)
	assert.Equal(t, domain.VerdictAllow, res.Verdict)
	assert.Equal(t, "staging-open", res.MatchedPolicyID)
	assert.Nil(t, res.Approval)
}

func TestEvaluate_ErrorMapping(t *testing.T) {
	tok := func(h *harness) string { return h.token(t, "bastion", domain.ScopeDecisionQuery) }

	t.Run("snapshot not loaded", func(t *testing.T) {
		h := newHarness(t, false)
		rec := h.do(t, http.MethodPost, "/policies/evaluate", tok(h), accessRequest("prod", ""))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "snapshot_unavailable", decode[map[string]any](t, rec)["error"])
	})

	t.Run("invalid request", func(t *testing.T) {
		h := newHarness(t, true)
		req := accessRequest("prod", "")
		req.Subject.UserID = ""
		rec := h.do(t, http.MethodPost, "/policies/evaluate", tok(h), req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newHarness(t, true)
		r := httptest.NewRequest(http.MethodPost, "/policies/evaluate", bytes.NewBufferString("{"))
		r.Header.Set("Authorization", "Bearer "+tok(h))
		rec := httptest.NewRecorder()
		h.srv.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t, true)
	bastion := h.token(t, "bastion", domain.ScopeDecisionQuery)
	reviewer := h.token(t, "carol", domain.ScopeApprovalReview)

	rec := h.do(t, http.MethodPost, "/policies/evaluate", bastion, accessRequest("prod", "ls -la"))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[engine.Result](t, rec)
	require.Equal(t, domain.VerdictRequireApproval, res.Verdict)
	require.NotNil(t, res.Approval)
	id := res.Approval.ID

	// Очередь видна любому аутентифицированному
	rec = h.do(t, http.MethodGet, "/approvals?status=PENDING", bastion, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[domain.Page[*domain.ApprovalRequest]](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, id, page.Items[0].ID)

	// Без скоупа approval:review решать нельзя
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/approvals/"+id+"/approve", bastion, nil).Code)

	rec = h.do(t, http.MethodPost, "/approvals/"+id+"/approve", reviewer, handler.DecideRequest{Note: "ok"})
	require.Equal(t, http.StatusOK, rec.Code)
	app := decode[domain.ApprovalRequest](t, rec)
	assert.Equal(t, domain.StatusApproved, app.Status)
	require.NotNil(t, app.Reviewer)
	assert.Equal(t, "carol", *app.Reviewer)

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/approvals/"+id+"/reject", reviewer, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/approvals/nope/approve", reviewer, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/approvals/nope", reviewer, nil).Code)

	rec = h.do(t, http.MethodGet, "/approvals/"+id, reviewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusApproved, decode[domain.ApprovalRequest](t, rec).Status)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/approvals?status=DONE", reviewer, nil).Code)
}

func TestBulkApprove(t *testing.T) {
	h := newHarness(t, true)
	reviewer := h.token(t, "carol", domain.ScopeApprovalReview)

	var ids []string
	for _, cmd := range []string{"ls", "df -h"} {
		req := accessRequest("prod", cmd)
		d := domain.Decision{Verdict: domain.VerdictRequireApproval, MatchedPolicyID: "prod-approval"}
		app, err := h.gate.Submit(context.Background(), req, d)
		require.NoError(t, err)
		ids = append(ids, app.ID)
	}
	_, err := h.gate.Reject(context.Background(), ids[1], "dave", "")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/approvals/bulk-approve", reviewer, handler.BulkApproveRequest{
		IDs:  append(ids, "missing"),
		Note: "batch",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[handler.BulkApproveResponse](t, rec).Results
	require.Len(t, results, 3)

	assert.True(t, results[0].OK)
	assert.Equal(t, domain.StatusApproved, results[0].Status)
	assert.False(t, results[1].OK)
	assert.NotEmpty(t, results[1].Error)
	assert.False(t, results[2].OK)

	empty := h.do(t, http.MethodPost, "/approvals/bulk-approve", reviewer, handler.BulkApproveRequest{})
	assert.Equal(t, http.StatusBadRequest, empty.Code)
}

func TestPolicyCRUD(t *testing.T) {
	h := newHarness(t, true)
	writer := h.token(t, "admin-2", domain.ScopePolicyWrite)
	reader := h.token(t, "viewer")

	// Невалидная политика: все ошибки полей разом
	rec := h.do(t, http.MethodPost, "/policies", writer, domain.Policy{
		CommandMode: "GREYLIST",
		AllowedDays: []int{9},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var verr struct {
		Error  string              `json:"error"`
		Fields []domain.FieldError `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verr))
	assert.Equal(t, "invalid_policy_config", verr.Error)
	fields := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{"name", "commandMode", "allowedDays[0]"}, fields)

	newPolicy := domain.Policy{
		Name:            "night freeze",
		Priority:        90,
		IsActive:        true,
		CommandMode:     domain.ModeWhitelist,
		CommandPatterns: []string{"uptime"},
	}
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/policies", reader, newPolicy).Code)

	rec = h.do(t, http.MethodPost, "/policies", writer, newPolicy)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[domain.Policy](t, rec)
	require.NotEmpty(t, created.ID)

	rec = h.do(t, http.MethodGet, "/policies?page=1&limit=2", reader, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[domain.Page[domain.Policy]](t, rec)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, created.ID, page.Items[0].ID, "ordered by priority")

	newPolicy.IsActive = false
	rec = h.do(t, http.MethodPut, "/policies/"+created.ID, writer, newPolicy)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.Policy](t, rec).IsActive)

	rec = h.do(t, http.MethodGet, "/policies?active=true", reader, nil)
	assert.Equal(t, 2, decode[domain.Page[domain.Policy]](t, rec).Total)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/policies?active=maybe", reader, nil).Code)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/policies/"+created.ID, writer, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/policies/"+created.ID, reader, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/policies/"+created.ID, writer, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPut, "/policies/ghost", writer, newPolicy).Code)

	// Мутации попадают в аудит от имени автора
	require.Eventually(t, func() bool {
		events, _ := h.logs.FetchLogs(context.Background(), audit.Filter{ActorID: "admin-2", Limit: 10})
		return len(events) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestSimulate_NoSideEffects(t *testing.T) {
	h := newHarness(t, true)
	tok := h.token(t, "bastion", domain.ScopeDecisionQuery)

	rec := h.do(t, http.MethodPost, "/policies/simulate", tok, engine.SimulateRequest{
		AccessRequest: accessRequest("prod", "ls"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.VerdictRequireApproval, decode[domain.Decision](t, rec).Verdict)

	// What-if: набор политик подменяет текущий снапшот
	rec = h.do(t, http.MethodPost, "/policies/simulate", tok, engine.SimulateRequest{
		AccessRequest: accessRequest("prod", "ls"),
		Policies: []domain.Policy{{
			Name:            "prod readonly",
			IsActive:        true,
			TargetSelector:  domain.TargetSelector{Environments: []string{"prod"}},
			CommandMode:     domain.ModeWhitelist,
			CommandPatterns: []string{"ls*"},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[domain.Decision](t, rec)
	assert.Equal(t, domain.VerdictAllow, d.Verdict)
	assert.Equal(t, "0", rec.Header().Get(handler.VersionHeader))

	page, err := h.gate.List(context.Background(), domain.ApprovalFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total, "simulate must not create approval requests")
}

func TestAuditEndpoint(t *testing.T) {
	h := newHarness(t, true)
	tok := h.token(t, "auditor")

	require.NoError(t, h.logs.WriteBatch(context.Background(), []audit.Event{
		{ID: "e1", ActorID: "alice", Kind: audit.KindDecision},
		{ID: "e2", ActorID: "bob", Kind: audit.KindDecision},
		{ID: "e3", ActorID: "alice", Kind: audit.KindApprovalApproved},
	}))

	rec := h.do(t, http.MethodGet, "/audit?actor=alice", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]audit.Event](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, "e3", events[0].ID, "newest first")

	rec = h.do(t, http.MethodGet, "/audit?kind="+audit.KindDecision+"&limit=1", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]audit.Event](t, rec), 1)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/audit?limit=x", tok, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/audit", "", nil).Code)
}
