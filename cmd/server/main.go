package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dalbodeule/hop-endpoints/internal/admin"
	"github.com/dalbodeule/hop-endpoints/internal/cache"
	"github.com/dalbodeule/hop-endpoints/internal/config"
	"github.com/dalbodeule/hop-endpoints/internal/execution"
	"github.com/dalbodeule/hop-endpoints/internal/logging"
	"github.com/dalbodeule/hop-endpoints/internal/observability"
	"github.com/dalbodeule/hop-endpoints/internal/proxy"
	"github.com/dalbodeule/hop-endpoints/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	bootLogger := logging.NewStdJSONLogger("server")

	// 1. 서버 설정 로드 (.env + 환경변수)
	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		bootLogger.Error("failed to load server config from env", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if cfg.Debug {
		level = string(logging.DebugLevel)
	}
	logger := logging.NewJSONLogger("server", level)

	logger.Info("hop-endpoints server starting", logging.Fields{
		"stack":          "prometheus-loki-grafana",
		"http_listen":    cfg.HTTPListen,
		"metrics_listen": cfg.MetricsListen,
		"db_driver":      cfg.Database.Driver,
		"cache_backend":  cfg.Cache.Backend,
		"debug":          cfg.Debug,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("server exited with error", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("server stopped", nil)
}

func run(ctx context.Context, logger logging.Logger, cfg *config.ServerConfig) error {
	// 2. DB 연결 + 스키마 마이그레이션
	st, err := store.Open(ctx, logger, store.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	// 3. published 엔드포인트 캐시
	backend, closeBackend, err := newCacheBackend(ctx, logger, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeBackend()
	epCache := cache.NewEndpointCache(logger, backend, st)

	// 4. 메트릭 등록
	observability.MustRegister(nil)

	// 5. 라우터: /healthz, /api/v1/admin/..., /e/{username}/...
	dispatcher := execution.NewDispatcher(logger, st,
		execution.WithEndpointLister(epCache),
		execution.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
	)
	adminHandler := admin.NewHandler(logger, cfg.AdminAPIKey,
		admin.NewProvisioningService(logger, st, epCache))
	if cfg.AdminAPIKey == "" {
		logger.Warn("HOP_ADMIN_API_KEY is empty, admin API rejects every request", nil)
	}

	router := mux.NewRouter().SkipClean(true)
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet, http.MethodHead)
	adminHandler.RegisterRoutes(router)
	dispatcher.RegisterRoutes(router)

	httpSrv := proxy.NewHTTPServer(cfg.HTTPListen, router)

	metricsSrv := newMetricsServer(cfg.MetricsListen)

	// 6. 리스너 실행, 시그널을 받으면 graceful shutdown
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", logging.Fields{"addr": cfg.HTTPListen})
		return serve(httpSrv)
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", logging.Fields{"addr": cfg.MetricsListen})
			return serve(metricsSrv)
		})
	} else {
		logger.Info("metrics listener disabled", nil)
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return err
	})
	return g.Wait()
}

// newMetricsServer 는 /metrics 전용 서버를 만듭니다. addr 가 비어 있으면 nil 을 반환합니다.
func newMetricsServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serve 는 Shutdown 으로 인한 종료를 정상 종료로 취급합니다.
func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newCacheBackend 는 HOP_CACHE_BACKEND 에 맞는 캐시 백엔드와 정리 함수를 반환합니다.
func newCacheBackend(ctx context.Context, logger logging.Logger, cfg config.CacheConfig) (cache.Backend, func(), error) {
	switch cfg.Backend {
	case "redis":
		rb, err := cache.NewRedisBackend(ctx, logger, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		return rb, func() { _ = rb.Close() }, nil
	case "none":
		return cache.NopBackend{}, func() {}, nil
	default:
		return cache.NewMemoryBackend(cfg.TTL), func() {}, nil
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
