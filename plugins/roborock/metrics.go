package roborock

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector reports the last snapshot of every fleet entity. It never
// talks to devices; the poller keeps snapshots fresh.
type MetricsCollector struct {
	fleet *Fleet

	mu          sync.Mutex
	vacuums     prometheus.Gauge
	battery     *prometheus.GaugeVec
	state       *prometheus.GaugeVec
	fanSpeed    *prometheus.GaugeVec
	lastRefresh *prometheus.GaugeVec
}

func NewMetricsCollector(fleet *Fleet) *MetricsCollector {
	labels := []string{"device_id", "device_name", "model"}
	return &MetricsCollector{
		fleet: fleet,
		vacuums: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_roborock_vacuums",
			Help: "Vacuum entities discovered from home data",
		}),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_roborock_battery_percent",
			Help: "Battery percentage (0-100)",
		}, labels),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_roborock_state",
			Help: "Vacuum status (label) from the last snapshot",
		}, append(labels, "state")),
		fanSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_roborock_fan_speed",
			Help: "Fan speed (label) from the last snapshot",
		}, append(labels, "fan_speed")),
		lastRefresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_roborock_last_refresh_timestamp_seconds",
			Help: "Unix time of the last stored snapshot",
		}, labels),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.vacuums.Describe(ch)
	c.battery.Describe(ch)
	c.state.Describe(ch)
	c.fanSpeed.Describe(ch)
	c.lastRefresh.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.battery.Reset()
	c.state.Reset()
	c.fanSpeed.Reset()
	c.lastRefresh.Reset()

	entities := c.fleet.Entities()
	c.vacuums.Set(float64(len(entities)))
	for _, e := range entities {
		dev := e.Device()
		labels := prometheus.Labels{
			"device_id":   dev.DUID,
			"device_name": dev.Name,
			"model":       dev.Model,
		}
		if battery, ok := e.BatteryLevel(); ok {
			c.battery.With(labels).Set(float64(battery))
		}
		if updated := e.UpdatedAt(); !updated.IsZero() {
			c.lastRefresh.With(labels).Set(float64(updated.Unix()))
		}
		if label, ok := e.Status(); ok {
			c.state.WithLabelValues(dev.DUID, dev.Name, dev.Model, label).Set(1)
		}
		if fan, ok := e.FanSpeed(); ok {
			c.fanSpeed.WithLabelValues(dev.DUID, dev.Name, dev.Model, fan).Set(1)
		}
	}

	c.vacuums.Collect(ch)
	c.battery.Collect(ch)
	c.state.Collect(ch)
	c.fanSpeed.Collect(ch)
	c.lastRefresh.Collect(ch)
}
