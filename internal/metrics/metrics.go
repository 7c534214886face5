package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FetchTotal counts backend reads by source and result (ok, error, timeout).
var FetchTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dashboard",
		Name:      "fetch_total",
		Help:      "Backend fetches by data source and result",
	},
	[]string{"source", "result"},
)

var FetchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dashboard",
		Name:      "fetch_duration_seconds",
		Help:      "Backend fetch latency by data source",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"source"},
)

// StaleResponses counts responses dropped because a newer request for the
// same slice had already been issued or committed.
var StaleResponses = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dashboard",
		Name:      "stale_responses_total",
		Help:      "Responses discarded because a newer request for the slice exists",
	},
	[]string{"slice"},
)

var CommandsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dashboard",
		Name:      "commands_total",
		Help:      "User commands by name and result",
	},
	[]string{"command", "result"},
)

// OpenExposure is the derived total open exposure after the last commit.
var OpenExposure = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dashboard",
		Name:      "open_exposure",
		Help:      "Sum of entry price times quantity over open trades",
	},
)

var AccountBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "dashboard",
		Name:      "account_balance",
		Help:      "Last known account balance per platform",
	},
	[]string{"platform"},
)

// ObserveFetch records one backend read.
func ObserveFetch(source string, started time.Time, err error, timeout bool) {
	FetchDuration.WithLabelValues(source).Observe(time.Since(started).Seconds())
	FetchTotal.WithLabelValues(source, result(err, timeout)).Inc()
}

func ObserveCommand(command string, err error) {
	CommandsTotal.WithLabelValues(command, result(err, false)).Inc()
}

func result(err error, timeout bool) string {
	switch {
	case err == nil:
		return "ok"
	case timeout:
		return "timeout"
	}
	return "error"
}
