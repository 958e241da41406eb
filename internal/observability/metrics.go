// Package observability — metrics.go
//
// Prometheus metrics for the observatory sequencer.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: rollroof_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (eleven values max).
//   - OB target name is NOT used as a label (unbounded cardinality);
//     exposure/fault counters are aggregated across OBs before recording.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the sequencer.
type Metrics struct {
	registry *prometheus.Registry

	// ─── State machine ────────────────────────────────────────────────────────

	// StateTransitionsTotal counts state transitions.
	// Labels: from_state, to_state
	StateTransitionsTotal *prometheus.CounterVec

	// StateDwellSeconds is the current cumulative dwell time per state,
	// updated at each state exit.
	StateDwellSeconds *prometheus.GaugeVec

	// CurrentState is 1 for the machine's current state, 0 for all others.
	CurrentState *prometheus.GaugeVec

	// ─── Faults ───────────────────────────────────────────────────────────────

	// FaultsTotal counts recorded faults, by kind.
	FaultsTotal *prometheus.CounterVec

	// ErrorBudgetRemaining is allowed_errors - error_count.
	ErrorBudgetRemaining prometheus.Gauge

	// ─── Observing ────────────────────────────────────────────────────────────

	// ExposuresTotal counts completed exposures, by detector tag and outcome
	// (ok, failed).
	ExposuresTotal *prometheus.CounterVec

	// ExposureDurationSeconds records per-exposure wall time.
	ExposureDurationSeconds prometheus.Histogram

	// OBsExecutedTotal counts OBs appended to the execution record, by
	// outcome (ok, failed).
	OBsExecutedTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerRows is the current number of execution-record rows.
	StorageLedgerRows prometheus.Gauge

	// ─── Runner ───────────────────────────────────────────────────────────────

	// RunnerUptimeSeconds is the number of seconds since NewMetrics was called.
	RunnerUptimeSeconds prometheus.Gauge

	// startTime records when the runner started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all sequencer Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollroof",
			Subsystem: "statemachine",
			Name:      "transitions_total",
			Help:      "Total state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		StateDwellSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rollroof",
			Subsystem: "statemachine",
			Name:      "state_dwell_seconds",
			Help:      "Cumulative time spent in each state so far tonight.",
		}, []string{"state"}),

		CurrentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rollroof",
			Subsystem: "statemachine",
			Name:      "current_state",
			Help:      "1 for the machine's current state, 0 for all others.",
		}, []string{"state"}),

		FaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollroof",
			Subsystem: "fault",
			Name:      "total",
			Help:      "Total faults recorded, by kind.",
		}, []string{"kind"}),

		ErrorBudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rollroof",
			Subsystem: "fault",
			Name:      "error_budget_remaining",
			Help:      "allowed_errors minus error_count; goes negative once we_are_done is forced.",
		}),

		ExposuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollroof",
			Subsystem: "observing",
			Name:      "exposures_total",
			Help:      "Total completed exposures, by detector tag and outcome.",
		}, []string{"detector", "outcome"}),

		ExposureDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rollroof",
			Subsystem: "observing",
			Name:      "exposure_duration_seconds",
			Help:      "Per-exposure wall time.",
			Buckets:   prometheus.DefBuckets,
		}),

		OBsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollroof",
			Subsystem: "observing",
			Name:      "obs_executed_total",
			Help:      "Total OBs appended to the execution record, by outcome.",
		}, []string{"outcome"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rollroof",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rollroof",
			Subsystem: "storage",
			Name:      "ledger_rows",
			Help:      "Current number of execution-record rows in BoltDB.",
		}),

		RunnerUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rollroof",
			Subsystem: "runner",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the metrics were created.",
		}),
	}

	reg.MustRegister(
		m.StateTransitionsTotal,
		m.StateDwellSeconds,
		m.CurrentState,
		m.FaultsTotal,
		m.ErrorBudgetRemaining,
		m.ExposuresTotal,
		m.ExposureDurationSeconds,
		m.OBsExecutedTotal,
		m.StorageWriteLatency,
		m.StorageLedgerRows,
		m.RunnerUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// RecordTransition updates the transition counter and current-state gauge.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitionsTotal.WithLabelValues(from, to).Inc()
	m.CurrentState.WithLabelValues(from).Set(0)
	m.CurrentState.WithLabelValues(to).Set(1)
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the RunnerUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RunnerUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
