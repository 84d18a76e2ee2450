// Package metrics Prometheus 指标定义
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 包含 API Server 与执行器的全部指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Run 指标
	RunsSubmitted *prometheus.CounterVec
	RunsFinished  *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	RunDuration   *prometheus.HistogramVec

	// 步骤与事件指标
	StepAttempts   *prometheus.CounterVec
	EventsAppended *prometheus.CounterVec

	// 轮询指标
	PollRequests *prometheus.CounterVec

	// 派发与回收指标
	DispatchQueueDepth prometheus.Gauge
	ReaperRepaired     *prometheus.CounterVec

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
}

// New 在指定 Registerer 上创建指标（测试传入独立 Registry 以免重复注册）
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		RunsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_submitted_total",
				Help:      "Runs submitted by job type and origin",
			},
			[]string{"job_type", "origin"},
		),
		RunsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs reaching a terminal status",
			},
			[]string{"job_type", "status"},
		),
		RunsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Runs currently executing in this process",
			},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run execution duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"job_type", "status"},
		),
		StepAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Step invocations by outcome",
			},
			[]string{"job_type", "outcome"},
		),
		EventsAppended: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Events appended to run logs by kind",
			},
			[]string{"kind"},
		),
		PollRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_requests_total",
				Help:      "Poll requests by shape and whether the run was done",
			},
			[]string{"shape", "done"},
		),
		DispatchQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Pending runs in the in-process dispatch channel",
			},
		),
		ReaperRepaired: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_repaired_total",
				Help:      "Runs repaired by the reaper",
			},
			[]string{"reason"},
		),
		WSConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
		WSMessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_messages_total",
				Help:      "Total WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}
}

// NewNop 使用独立 Registry 的指标（测试与未启用指标时使用）
func NewNop() *Metrics {
	return New("genflow", prometheus.NewRegistry())
}

// RecordRunFinished 记录 Run 终态
func (m *Metrics) RecordRunFinished(jobType, status string, duration time.Duration) {
	m.RunsFinished.WithLabelValues(jobType, status).Inc()
	if duration > 0 {
		m.RunDuration.WithLabelValues(jobType, status).Observe(duration.Seconds())
	}
}

// RecordStepAttempt 记录一次步骤调用
func (m *Metrics) RecordStepAttempt(jobType, outcome string) {
	m.StepAttempts.WithLabelValues(jobType, outcome).Inc()
}

// RecordEvent 记录事件追加
func (m *Metrics) RecordEvent(kind string) {
	m.EventsAppended.WithLabelValues(kind).Inc()
}

// RecordPoll 记录轮询请求
func (m *Metrics) RecordPoll(shape string, done bool) {
	label := "false"
	if done {
		label = "true"
	}
	m.PollRequests.WithLabelValues(shape, label).Inc()
}

// RecordWSMessage 记录 WebSocket 消息
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened() {
	m.WSConnectionsActive.Inc()
}

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() {
	m.WSConnectionsActive.Dec()
}
