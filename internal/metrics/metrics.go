package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "csms_"

	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultError    = "error"

	OutboundSuccess = "success"
	OutboundError   = "call_error"
	OutboundTimeout = "timeout"
	OutboundClosed  = "closed"
)

var (
	registerOnce sync.Once

	activeSessions      prometheus.Gauge
	inboundCalls        *prometheus.CounterVec
	handlerLatency      *prometheus.HistogramVec
	persistenceErrors   *prometheus.CounterVec
	sessionsClosed      *prometheus.CounterVec
	livenessTimeouts    prometheus.Counter
	coalescedCalls      prometheus.Counter
	malformedFrames     prometheus.Counter
	stopAnomalies       prometheus.Counter
	outboundCalls       *prometheus.CounterVec
	outboundCallLatency *prometheus.HistogramVec
	droppedFrames       *prometheus.CounterVec
)

// Init 注册指标，pool 不为空时同时导出连接池状态
func Init(pool *pgxpool.Pool) {
	registerOnce.Do(func() {
		activeSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "active_sessions",
				Help: "Number of live charge point sessions",
			},
		)
		inboundCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_calls_total",
				Help: "Total inbound calls by action and result",
			},
			[]string{"action", "result"},
		)
		handlerLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "handler_latency_seconds",
				Help:    "Action handler latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		)
		persistenceErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persistence_errors_total",
				Help: "Total persistence failures by operation",
			},
			[]string{"operation"},
		)
		sessionsClosed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sessions_closed_total",
				Help: "Total closed sessions by reason",
			},
			[]string{"reason"},
		)
		livenessTimeouts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "liveness_timeouts_total",
				Help: "Total sessions closed because the heartbeat deadline passed",
			},
		)
		coalescedCalls = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "coalesced_calls_total",
				Help: "Total duplicate inbound calls dropped while the first copy was in flight",
			},
		)
		malformedFrames = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "malformed_frames_total",
				Help: "Total inbound frames that could not be decoded",
			},
		)
		stopAnomalies = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "stop_transaction_anomalies_total",
				Help: "Total StopTransaction calls for unknown or already closed transactions",
			},
		)
		outboundCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbound_calls_total",
				Help: "Total outbound calls by action and result",
			},
			[]string{"action", "result"},
		)
		outboundCallLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbound_call_latency_seconds",
				Help:    "Outbound call round trip in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		)
		droppedFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dropped_frames_total",
				Help: "Total outbound frames dropped before reaching the charge point",
			},
			[]string{"reason"},
		)

		prometheus.MustRegister(
			activeSessions,
			inboundCalls,
			handlerLatency,
			persistenceErrors,
			sessionsClosed,
			livenessTimeouts,
			coalescedCalls,
			malformedFrames,
			stopAnomalies,
			outboundCalls,
			outboundCallLatency,
			droppedFrames,
		)

		if pool != nil {
			registerPoolMetrics(pool)
		}
	})
}

func registerPoolMetrics(pool *pgxpool.Pool) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "db_pool_total_conns",
				Help: "Total connections in the database pool",
			},
			func() float64 { return float64(pool.Stat().TotalConns()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "db_pool_acquired_conns",
				Help: "Connections currently acquired from the database pool",
			},
			func() float64 { return float64(pool.Stat().AcquiredConns()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "db_pool_idle_conns",
				Help: "Idle connections in the database pool",
			},
			func() float64 { return float64(pool.Stat().IdleConns()) },
		),
	)
}

// SessionOpened 会话数加一
func SessionOpened() {
	if activeSessions != nil {
		activeSessions.Inc()
	}
}

// SessionClosed 会话数减一并按原因计数
func SessionClosed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if activeSessions != nil {
		activeSessions.Dec()
	}
	if sessionsClosed != nil {
		sessionsClosed.WithLabelValues(reason).Inc()
	}
}

// ObserveInboundCall 入站调用按结果计数并记录处理耗时
func ObserveInboundCall(action, result string, duration time.Duration) {
	if result == "" {
		result = ResultAccepted
	}
	if inboundCalls != nil {
		inboundCalls.WithLabelValues(action, result).Inc()
	}
	if handlerLatency != nil {
		handlerLatency.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// IncPersistenceError 持久化失败
func IncPersistenceError(operation string) {
	if operation == "" {
		operation = "unknown"
	}
	if persistenceErrors != nil {
		persistenceErrors.WithLabelValues(operation).Inc()
	}
}

// IncLivenessTimeout 超过存活期限被关闭的会话
func IncLivenessTimeout() {
	if livenessTimeouts != nil {
		livenessTimeouts.Inc()
	}
}

// IncCoalescedCall 处理中重复到达而被丢弃的调用
func IncCoalescedCall() {
	if coalescedCalls != nil {
		coalescedCalls.Inc()
	}
}

// IncMalformedFrame 无法解析的入站帧
func IncMalformedFrame() {
	if malformedFrames != nil {
		malformedFrames.Inc()
	}
}

// IncStopAnomaly 未知或已结束交易的 StopTransaction
func IncStopAnomaly() {
	if stopAnomalies != nil {
		stopAnomalies.Inc()
	}
}

// ObserveOutboundCall 出站调用按结果计数，会话关闭导致的失败不计耗时
func ObserveOutboundCall(action, result string, duration time.Duration) {
	if outboundCalls != nil {
		outboundCalls.WithLabelValues(action, result).Inc()
	}
	if outboundCallLatency != nil && result != OutboundClosed {
		outboundCallLatency.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// IncDroppedFrame 未能发出的出站帧，按原因计数
func IncDroppedFrame(reason string) {
	if droppedFrames != nil {
		droppedFrames.WithLabelValues(reason).Inc()
	}
}
