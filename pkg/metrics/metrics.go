// Package metrics exposes archive pipeline counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k2angel/watcher/pkg/logger"
)

var (
	Registry = prometheus.NewRegistry()

	// Targets counts capture targets by source kind and terminal state.
	Targets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Name:      "capture_targets_total",
		Help:      "Capture targets that reached a terminal state.",
	}, []string{"source", "state"})

	Resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Name:      "resolutions_total",
		Help:      "Share-link resolutions by result.",
	}, []string{"result"})

	BytesArchived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watcher",
		Name:      "archived_bytes_total",
		Help:      "Bytes written to the archive.",
	})

	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Name:      "events_total",
		Help:      "Inbound events handed to the capture pipeline.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		Targets,
		Resolutions,
		BytesArchived,
		Events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WarnCF("metrics", "Metrics server shutdown error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("metrics", "Serving metrics", map[string]interface{}{"addr": addr})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
