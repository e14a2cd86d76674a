package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // IANA-зоны политик не зависят от образа

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/bastion-pdp/internal/approval"
	"github.com/xela07ax/bastion-pdp/internal/audit"
	"github.com/xela07ax/bastion-pdp/internal/console/handler"
	"github.com/xela07ax/bastion-pdp/internal/console/server"
	"github.com/xela07ax/bastion-pdp/internal/console/service"
	"github.com/xela07ax/bastion-pdp/internal/engine"
	"github.com/xela07ax/bastion-pdp/internal/infra"
	"github.com/xela07ax/bastion-pdp/internal/infra/auth"
	"github.com/xela07ax/bastion-pdp/internal/policy"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("pdp stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// SIGTERM/SIGINT отменяет его и останавливает слушателей
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loc, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}

	// 1. Инфраструктура и ресурсы
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	st, err := openStorage(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var (
		rdb *redis.Client
		bus *infra.RedisBus
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		bus = infra.NewRedisBus(rdb, uuid.NewString())
	} else {
		logger.Warn("redis.addr is empty, policy changes will not propagate between instances")
	}

	// 2. Набор политик: БД за лимитером, предохранителем и ретраями
	source := engine.NewReliableSource(st.policies, engine.ReliabilityConfig{
		Name:        "policy-reload",
		MaxRequests: cfg.Engine.CBMaxRequests,
		Interval:    cfg.Engine.CBInterval,
		Timeout:     cfg.Engine.CBTimeout,
		Attempts:    cfg.Engine.ReloadAttempts,
		CallTimeout: cfg.Engine.ReloadTimeout,
		Rate:        cfg.Engine.ReloadRate,
	}, metrics)
	storeOpts := []policy.Option{
		policy.WithSource(source),
		policy.WithLocation(loc),
		policy.WithLogger(logger),
		policy.WithSwapHook(metrics.ObserveSnapshot),
	}
	if bus != nil {
		storeOpts = append(storeOpts, policy.WithNotifier(bus))
	}
	store := policy.NewStore(st.policies, storeOpts...)
	go warmUp(appCtx, store, logger)

	if rdb != nil {
		go engine.NewRefreshListener(rdb, store, bus.InstanceID(), logger).Run(appCtx)
	}

	// 3. Аудит: асинхронно, пачками
	trail := audit.NewTrail(st.audit, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	})
	trail.Start()
	defer trail.Stop()
	go watchAuditBuffer(appCtx, trail, metrics)

	// 4. Approval Gate и фоновая экспирация
	gateOpts := []approval.Option{
		approval.WithAuditor(trail),
		approval.WithRecorder(metrics),
		approval.WithLogger(logger),
		approval.WithDuration(cfg.Approval.DefaultDuration),
	}
	if bus != nil {
		gateOpts = append(gateOpts, approval.WithSignaler(bus))
	}
	gate := approval.NewGate(st.approvals, gateOpts...)
	go approval.NewSweeper(gate, cfg.Approval.SweepInterval, logger).Run(appCtx)

	// 5. Core
	pdp := engine.NewPDP(store, gate, trail, metrics, logger)

	pub, signer, err := loadKeys(cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("auth keys: %w", err)
	}
	if pub == nil {
		return errors.New("auth: public key is required to verify tokens")
	}
	validator := auth.NewBaseValidator(pub)
	if err := bootstrapAdmin(appCtx, st.users, cfg.Auth); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	// 6. HTTP API консоли
	console := server.NewConsoleServer(logger, validator, store, server.Handlers{
		Auth:     handler.NewAuthHandler(service.NewAuthService(st.users, signer), logger),
		Decision: handler.NewDecisionHandler(pdp, logger),
		Policy:   handler.NewPolicyHandler(service.NewPolicyService(store, trail), logger),
		Approval: handler.NewApprovalHandler(gate, logger),
		Audit:    handler.NewAuditHandler(service.NewAuditService(st.audit), logger),
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Экспортируем метрики для Prometheus на отдельном порту
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPC.Enabled {
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, logger)))
		engine.NewGRPCDecisionServer(pdp).Register(grpcSrv)

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("decision gRPC server started", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	// 7. Graceful Shutdown
	select {
	case <-appCtx.Done():
		logger.Info("pdp stopping")
	case err := <-errCh:
		cancel()
		return err
	}

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("pdp exited properly")
	return nil
}

// warmUp повторяет первичную загрузку, пока она не удастся: до неё движок отвечает 503.
func warmUp(ctx context.Context, store *policy.Store, logger *zap.Logger) {
	for {
		_, err := store.Reload(ctx)
		if err == nil {
			return
		}
		logger.Error("initial policy load failed", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func watchAuditBuffer(ctx context.Context, trail *audit.Trail, metrics *engine.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.AuditBufferFill.Set(float64(trail.Len()))
		}
	}
}
