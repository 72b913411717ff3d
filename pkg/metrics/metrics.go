// Package metrics 定义了聊天中继的 Prometheus 指标。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 流的结束方式。
const (
	OutcomeCompleted    = "completed"
	OutcomeEmpty        = "empty"
	OutcomeUpstreamFail = "upstream_error"
	OutcomeStreamFault  = "stream_fault"
	OutcomeClientGone   = "client_gone"
)

var (
	streamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "streams_total",
		Help:      "Relayed chat streams by model and outcome.",
	}, []string{"model", "outcome"})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "upstream_errors_total",
		Help:      "Failures opening the upstream stream by kind.",
	}, []string{"kind"})

	fragmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "fragments_total",
		Help:      "Delta fragments forwarded to clients.",
	})

	malformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "malformed_lines_total",
		Help:      "Upstream data lines skipped because they could not be decoded.",
	})

	upstreamOpenSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat_relay",
		Name:      "upstream_open_seconds",
		Help:      "Time until the upstream response headers arrive.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})
)

// RecordStream 记录一次中继的结束方式。
func RecordStream(model, outcome string) {
	streamsTotal.WithLabelValues(model, outcome).Inc()
}

func RecordUpstreamError(kind string) {
	upstreamErrors.WithLabelValues(kind).Inc()
}

func RecordFragment() {
	fragmentsTotal.Inc()
}

func RecordMalformedLine() {
	malformedLines.Inc()
}

func ObserveUpstreamOpen(model string, d time.Duration) {
	upstreamOpenSeconds.WithLabelValues(model).Observe(d.Seconds())
}

func RecordHTTPRequest(method, route string, status int) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
