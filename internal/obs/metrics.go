// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/pi-extensions/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HostcallsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostcall_started_total",
		Help: "Total number of hostcalls dispatched, by method",
	}, []string{"method"})
	HostcallsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostcall_completed_total",
		Help: "Total number of hostcalls completed, by method and outcome",
	}, []string{"method", "outcome"})
	HostcallsDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostcall_denied_total",
		Help: "Total number of hostcalls denied by the policy engine, by capability",
	}, []string{"capability"})
	HostcallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hostcall_duration_seconds",
		Help:    "Histogram of hostcall durations by method",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	ExtensionsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "extensions_loaded",
		Help: "Number of currently active extensions",
	})
	CircuitBreakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extension_circuit_breaker_open",
		Help: "1 if an extension's hostcall circuit breaker is open",
	}, []string{"extension_id"})
	RuntimeOOMEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jsruntime_oom_total",
		Help: "Number of times an extension runtime exceeded its memory budget",
	}, []string{"extension_id"})
)

func init() {
	prometheus.MustRegister(HostcallsStarted, HostcallsCompleted, HostcallsDenied,
		HostcallDuration, ExtensionsLoaded, CircuitBreakerOpen, RuntimeOOMEvents)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
