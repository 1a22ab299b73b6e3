// Package metrics owns the prometheus collectors shared by all pipeline
// stages. Collectors are registered on a dedicated registry so tests can
// construct isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	AccessTokenForbidden *prometheus.CounterVec
	AccessPoints         *prometheus.CounterVec
	AccessDropped        *prometheus.CounterVec
	AccessQuerySeconds   prometheus.Histogram

	DetectPoints    *prometheus.CounterVec
	DetectAnomalies *prometheus.CounterVec

	TriggerRecords *prometheus.CounterVec

	AlertsOpened   prometheus.Counter
	AlertsClosed   *prometheus.CounterVec
	AlertsShielded prometheus.Counter

	ActionsExecuted *prometheus.CounterVec
	ActionSeconds   prometheus.Histogram

	ConfigRefreshFailures prometheus.Counter
	ConfigSnapshotVersion prometheus.Gauge

	NoDataSynthesized  prometheus.Counter
	QueueShed          *prometheus.CounterVec
	CompositeEvaluated prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		AccessTokenForbidden: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "access_token_forbidden_total",
			Help: "Access cycles skipped because the token bucket denied admission.",
		}, []string{"strategy_group"}),
		AccessPoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "access_points_total",
			Help: "Normalized data points emitted by the access stage.",
		}, []string{"strategy_id"}),
		AccessDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "access_points_dropped_total",
			Help: "Points dropped by the access filter chain.",
		}, []string{"filter"}),
		AccessQuerySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "access_query_duration_seconds",
			Help:    "Datasource query latency.",
			Buckets: prometheus.DefBuckets,
		}),
		DetectPoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "detect_points_total",
			Help: "Points evaluated by the detect stage.",
		}, []string{"strategy_id"}),
		DetectAnomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "detect_anomalies_total",
			Help: "Anomaly points produced by the detect stage.",
		}, []string{"strategy_id", "level"}),
		TriggerRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_records_total",
			Help: "Anomaly and recovery records emitted by trigger.",
		}, []string{"kind"}),
		AlertsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "alerts_opened_total",
			Help: "Alerts opened by the alert manager.",
		}),
		AlertsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_closed_total",
			Help: "Alerts closed, by reason.",
		}, []string{"reason"}),
		AlertsShielded: factory.NewCounter(prometheus.CounterOpts{
			Name: "alerts_shielded_total",
			Help: "Actions skipped because a shield rule matched.",
		}),
		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "actions_executed_total",
			Help: "Actions executed by the dispatcher, by plugin and status.",
		}, []string{"plugin", "status"}),
		ActionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "action_duration_seconds",
			Help:    "Action execution latency including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		ConfigRefreshFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "config_refresh_failures_total",
			Help: "Config cache refresh attempts that kept the last good snapshot.",
		}),
		ConfigSnapshotVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "config_snapshot_version",
			Help: "Version counter of the currently served config snapshot.",
		}),
		NoDataSynthesized: factory.NewCounter(prometheus.CounterOpts{
			Name: "nodata_anomalies_total",
			Help: "Synthetic anomaly records produced by the no-data checker.",
		}),
		QueueShed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_shed_total",
			Help: "Records shed because a stream crossed its high watermark.",
		}, []string{"stream"}),
		CompositeEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "composite_evaluations_total",
			Help: "Composite strategy expression evaluations.",
		}),
	}
}
