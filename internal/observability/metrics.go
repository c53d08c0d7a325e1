package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragstack",
			Subsystem: "sequencer",
			Name:      "steps_total",
			Help:      "Startup steps executed, by outcome.",
		},
		[]string{"step", "outcome"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragstack",
			Subsystem: "sequencer",
			Name:      "step_duration_seconds",
			Help:      "Startup step duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step"},
	)
	childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragstack",
			Subsystem: "supervisor",
			Name:      "child_exits_total",
			Help:      "Supervised child exits, by exit code.",
		},
		[]string{"name", "code"},
	)
	childrenRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ragstack",
			Subsystem: "supervisor",
			Name:      "children_running",
			Help:      "1 while the named child is running.",
		},
		[]string{"name"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(stepsTotal, stepDuration, childExits, childrenRunning)
	})
}

func ObserveStep(step, outcome string, d time.Duration) {
	RegisterMetrics()
	stepsTotal.WithLabelValues(step, outcome).Inc()
	stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func ObserveChildStart(name string) {
	RegisterMetrics()
	childrenRunning.WithLabelValues(name).Set(1)
}

func ObserveChildExit(name string, code int) {
	RegisterMetrics()
	childrenRunning.WithLabelValues(name).Set(0)
	childExits.WithLabelValues(name, strconv.Itoa(code)).Inc()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
