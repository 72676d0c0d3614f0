package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics holds the service counters exposed on /metrics.
type StoreMetrics struct {
	DownloadsTotal      prometheus.CounterVec
	DownloadBytesTotal  prometheus.Counter
	SuspiciousDownloads prometheus.Counter
	PaymentsTotal       prometheus.CounterVec
	OrdersPaidTotal     prometheus.Counter
	OrdersPaidAmount    prometheus.Counter
	STKPushDuration     prometheus.Histogram
	CallbacksTotal      prometheus.CounterVec
}

func NewStoreMetrics() *StoreMetrics {
	return &StoreMetrics{
		DownloadsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloads_total",
				Help: "Download attempts by outcome",
			},
			[]string{"status"},
		),
		DownloadBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "download_bytes_total",
				Help: "Total bytes streamed to buyers",
			},
		),
		SuspiciousDownloads: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "downloads_suspicious_total",
				Help: "Download attempts flagged suspicious by fingerprinting",
			},
		),
		PaymentsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_total",
				Help: "Payment attempts by terminal status",
			},
			[]string{"status"},
		),
		OrdersPaidTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orders_paid_total",
				Help: "Orders settled",
			},
		),
		OrdersPaidAmount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orders_paid_amount_cents_total",
				Help: "Settled order value in cents",
			},
		),
		STKPushDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mpesa_stk_push_duration_seconds",
				Help:    "Latency of outbound STK push requests",
				Buckets: prometheus.DefBuckets,
			},
		),
		CallbacksTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_callbacks_total",
				Help: "Provider callbacks by handling result",
			},
			[]string{"result"},
		),
	}
}
