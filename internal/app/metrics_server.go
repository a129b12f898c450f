package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer serves /healthz and the prometheus /metrics endpoint for the
// engine counters.
type metricsServer struct {
	srv *http.Server
}

func (a *App) startMetricsServer(port int) *metricsServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.sched.MetricsRegistry(), promhttp.HandlerOpts{}))

	m := &metricsServer{srv: &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}}
	go func() {
		a.logger.Info("Metrics server starting.", "address", m.srv.Addr)
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed unexpectedly.", "error", err)
		}
	}()
	return m
}

func (m *metricsServer) shutdown(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		logger.Error("Metrics server shutdown failed.", "error", err)
	}
}
