package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	errorRateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vintrack_monitor_error_rate",
		Help: "Error rate of the last monitoring interval, percent.",
	})
	responseTimeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vintrack_monitor_avg_response_ms",
		Help: "Average response time of the last monitoring interval.",
	})
	requestsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vintrack_monitor_interval_requests",
		Help: "Requests recorded in the last monitoring interval.",
	})
	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vintrack_monitor_alerts_total",
		Help: "Alerts triggered, by metric.",
	}, []string{"metric"})
)

func recordRollup(m IntervalMetrics) {
	errorRateGauge.Set(m.ErrorRate)
	responseTimeGauge.Set(m.AvgResponseTime)
	requestsGauge.Set(float64(m.Requests))
}

func recordAlert(metric string) {
	alertsTotal.WithLabelValues(metric).Inc()
}
