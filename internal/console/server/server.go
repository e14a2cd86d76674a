package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/bastion-pdp/internal/console/handler"
	"github.com/xela07ax/bastion-pdp/internal/domain"
	"github.com/xela07ax/bastion-pdp/internal/engine"
	"github.com/xela07ax/bastion-pdp/internal/infra/auth"
	"github.com/xela07ax/bastion-pdp/internal/policy"
	"go.uber.org/zap"
)

// SnapshotReader нужен healthcheck-у: версия и возраст снапшота.
type SnapshotReader interface {
	Current() (*policy.Snapshot, error)
}

// Handlers - обработчики бизнес-доменов консоли.
type Handlers struct {
	Auth     *handler.AuthHandler     // /auth/token
	Decision *handler.DecisionHandler // /policies/evaluate, /policies/simulate
	Policy   *handler.PolicyHandler   // /policies
	Approval *handler.ApprovalHandler // /approvals (HITL)
	Audit    *handler.AuditHandler    // /audit
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256)
	authValidator auth.TokenValidator
	snapshots     SnapshotReader
	h             Handlers
}

// NewConsoleServer инициализирует HTTP API со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, snapshots SnapshotReader, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		snapshots:     snapshots,
		h:             h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", s.health)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Route("/policies", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(domain.ScopeDecisionQuery))
				r.Post("/evaluate", s.h.Decision.Evaluate)
				r.Post("/simulate", s.h.Decision.Simulate)
			})

			r.Get("/", s.h.Policy.List)
			r.Get("/{id}", s.h.Policy.Get)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(domain.ScopePolicyWrite))
				r.Post("/", s.h.Policy.Create)
				r.Put("/{id}", s.h.Policy.Update)
				r.Delete("/{id}", s.h.Policy.Delete)
			})
		})

		// Human-in-the-loop (Approvals)
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.h.Approval.List) // Очередь запросов на проверку
			r.Get("/{id}", s.h.Approval.GetDetails)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(domain.ScopeApprovalReview))
				r.Post("/bulk-approve", s.h.Approval.BulkApprove)
				r.Post("/{id}/approve", s.h.Approval.Approve)
				r.Post("/{id}/reject", s.h.Approval.Reject)
			})
		})

		r.Get("/audit", s.h.Audit.GetLogs)
	})
}

type healthResponse struct {
	Status          string     `json:"status"`
	SnapshotVersion uint64     `json:"snapshotVersion"`
	Policies        int        `json:"policies"`
	LoadedAt        *time.Time `json:"loadedAt,omitempty"`
}

// health: 503, пока не загружен первый снапшот
func (s *ConsoleServer) health(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.snapshots.Current()
	if err != nil {
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "snapshot_unavailable"})
		return
	}
	loaded := snap.LoadedAt()
	writeHealth(w, http.StatusOK, healthResponse{
		Status:          "ok",
		SnapshotVersion: snap.Version(),
		Policies:        snap.Len(),
		LoadedAt:        &loaded,
	})
}

func writeHealth(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
