// Package metrics holds the process-wide Prometheus collectors. The
// monitor server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_report_telemetry_pages_fetched_total",
		Help: "Pages retrieved from the telemetry API",
	})

	RecordsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_report_telemetry_records_fetched_total",
		Help: "Raw records retrieved from the telemetry API",
	})

	RowsExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_report_rows_exported_total",
		Help: "Aggregated rows written into workbooks",
	})

	WorkbooksBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_report_workbooks_built_total",
		Help: "Workbook assembly attempts by outcome",
	}, []string{"outcome"})

	ReportsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_report_reports_sent_total",
		Help: "Report emails by outcome",
	}, []string{"outcome"})

	SnapshotsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_report_snapshots_captured_total",
		Help: "Camera snapshots by outcome",
	}, []string{"outcome"})

	AssembleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_report_assemble_duration_seconds",
		Help:    "Wall time of one workbook assembly",
		Buckets: prometheus.DefBuckets,
	})
)
