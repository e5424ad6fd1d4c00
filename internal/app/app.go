package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/labrise/ims/internal/health"
	"github.com/labrise/ims/internal/httpapi"
	"github.com/labrise/ims/internal/service/inventory"
	"github.com/labrise/ims/internal/version"
)

// Run поднимает HTTP API инвентаря, сервер метрик и фоновые воркеры,
// и блокируется до отмены контекста или фатальной ошибки сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := deps.closeFn(); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to close storage")
		}
	}()

	service := inventory.NewService(deps.storage, deps.outboxRepo, deps.timelineRepo, logger.WithField("layer", "service"))
	handler := httpapi.NewHandler(
		service,
		deps.timelineRepo,
		deps.idempotencyRepo,
		logger.WithField("layer", "http"),
		httpapi.WithIdempotencyTTL(cfg.IdempotencyTTL),
	)

	bus := newEventBus(cfg.KafkaBrokers, logger)
	defer bus.Close()

	outboxCancel, outboxDone := startOutboxWorker(ctx, cfg, deps.outboxRepo, bus.Producer(), logger)
	defer stopWorker(outboxCancel, outboxDone, logger, "outbox")

	cleanupCancel, cleanupDone := startIdempotencyCleanup(ctx, cfg, deps.idempotencyRepo, logger)
	defer stopWorker(cleanupCancel, cleanupDone, logger, "idempotency-cleanup")

	healthHandler := healthcheck.NewRegistry(version.GetVersion())
	healthHandler.Register("storage", deps.storageChecker)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		errCh <- apiSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		shutdownHTTP(apiSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.Handle("/readyz", http.HandlerFunc(healthHandler.ReadinessHandler))
	mux.Handle("/livez", http.HandlerFunc(healthcheck.LivenessHandler))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
