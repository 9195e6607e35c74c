package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gohome_poller_refresh_success_total",
			Help: "Refreshes that stored a new status snapshot",
		},
		[]string{"entity"},
	)
	refreshFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gohome_poller_refresh_failure_total",
			Help: "Refreshes that kept the previous snapshot",
		},
		[]string{"entity"},
	)
)

// MetricsCollectors returns collectors for the shared poller.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{refreshSuccess, refreshFailure}
}
