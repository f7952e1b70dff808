package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "sqltap_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "sqltap_sessions_total", Help: "Accepted client connections"})
	RejectedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "sqltap_rejected_total", Help: "Connections refused by the rate limiter"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sqltap_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	PacketsLoggedTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sqltap_packets_logged_total", Help: "Client packets appended to the query log"}, []string{"command"})
	LogDroppedTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "sqltap_log_dropped_total", Help: "Log entries dropped because the writer queue was full"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sqltap_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sqltap_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
