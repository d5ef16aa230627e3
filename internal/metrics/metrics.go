package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ensemble"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runnerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "starts_total",
			Help:      "Number of successful runner process starts.",
		}, []string{"runner"},
	)
	runnerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "stops_total",
			Help:      "Number of requested runner stops.",
		}, []string{"runner"},
	)
	runnerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "crashes_total",
			Help:      "Number of unexpected non-zero runner exits.",
		}, []string{"runner"},
	)
	runnerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"runner"},
	)
	runnerEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "crash_loop_escalations_total",
			Help:      "Number of crash loops escalated to the supervisor.",
		}, []string{"runner"},
	)
	activationWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "activation_wait_seconds",
			Help:      "Time spent waiting for a blocking runner to signal readiness.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"runner"},
	)
	runningRunners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "running",
			Help:      "Runners whose process is currently alive.",
		},
	)
	runnerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the runner process.",
		}, []string{"runner"},
	)
	runnerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident memory of the runner process.",
		}, []string{"runner"},
	)

	protocolCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "commands_total",
			Help:      "Control commands interpreted, by verb and outcome.",
		}, []string{"command", "result"},
	)
	protocolConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "active_connections",
			Help:      "Open control protocol connections.",
		},
	)

	roleClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coord",
			Name:      "role_claims_total",
			Help:      "Role claims by role and whether the claimant won.",
		}, []string{"role", "result"},
	)
	endpointClaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coord",
			Name:      "endpoint_claims_total",
			Help:      "Endpoint claims served.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		runnerStarts, runnerStops, runnerCrashes, runnerRestarts, runnerEscalations,
		activationWait, runningRunners, runnerCPU, runnerRSS,
		protocolCommands, protocolConnections, roleClaims, endpointClaims,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(runner string) {
	if regOK.Load() {
		runnerStarts.WithLabelValues(runner).Inc()
		runningRunners.Inc()
	}
}

// IncStop records a requested stop.
func IncStop(runner string) {
	if regOK.Load() {
		runnerStops.WithLabelValues(runner).Inc()
	}
}

// ProcessExited lowers the running gauge; call once per exited process.
func ProcessExited() {
	if regOK.Load() {
		runningRunners.Dec()
	}
}

func IncCrash(runner string) {
	if regOK.Load() {
		runnerCrashes.WithLabelValues(runner).Inc()
	}
}

func IncRestart(runner string) {
	if regOK.Load() {
		runnerRestarts.WithLabelValues(runner).Inc()
	}
}

func IncEscalation(runner string) {
	if regOK.Load() {
		runnerEscalations.WithLabelValues(runner).Inc()
	}
}

func ObserveActivationWait(runner string, seconds float64) {
	if regOK.Load() {
		activationWait.WithLabelValues(runner).Observe(seconds)
	}
}

func SetUsage(runner string, u Usage) {
	if regOK.Load() {
		runnerCPU.WithLabelValues(runner).Set(u.CPUPercent)
		runnerRSS.WithLabelValues(runner).Set(float64(u.MemoryRSS))
	}
}

// ForgetRunner drops per-runner usage series once the process is gone.
func ForgetRunner(runner string) {
	if regOK.Load() {
		runnerCPU.DeleteLabelValues(runner)
		runnerRSS.DeleteLabelValues(runner)
	}
}

func IncCommand(command string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		protocolCommands.WithLabelValues(command, result).Inc()
	}
}

func ConnOpened() {
	if regOK.Load() {
		protocolConnections.Inc()
	}
}

func ConnClosed() {
	if regOK.Load() {
		protocolConnections.Dec()
	}
}

func IncRoleClaim(role string, won bool) {
	if regOK.Load() {
		result := "won"
		if !won {
			result = "lost"
		}
		roleClaims.WithLabelValues(role, result).Inc()
	}
}

func IncEndpointClaim() {
	if regOK.Load() {
		endpointClaims.Inc()
	}
}
