// Package metrics 调度器的 Prometheus 指标
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cboxing/pkg/model"
)

// Metric labels
const (
	LabelJob        = "job"
	LabelDeviceType = "device_type"
)

// Metrics 调度路径上的计数器和直方图
type Metrics struct {
	scheduleTotal        *prometheus.CounterVec
	requestsReadyTotal   *prometheus.CounterVec
	groupsCreatedTotal   *prometheus.CounterVec
	groupExecuteFailures *prometheus.CounterVec
	groupExecuteDuration *prometheus.HistogramVec
	groupSize            prometheus.Histogram
	activeJobs           prometheus.Gauge
}

// New 在 reg 上注册全部指标。reg 为 nil 时使用一个私有 registry
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		scheduleTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cboxing_schedule_total",
			Help: "Runtime requests submitted through Schedule.",
		}, []string{LabelJob}),
		requestsReadyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cboxing_requests_ready_total",
			Help: "Requests that reached full local participation.",
		}, []string{LabelJob}),
		groupsCreatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cboxing_groups_created_total",
			Help: "Fused groups emitted by the executor.",
		}, []string{LabelJob, LabelDeviceType}),
		groupExecuteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cboxing_group_execute_failures_total",
			Help: "Groups whose backend execution returned an error.",
		}, []string{LabelDeviceType}),
		groupExecuteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cboxing_group_execute_duration_seconds",
			Help:    "Time spent inside backend ExecuteGroup.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{LabelDeviceType}),
		groupSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cboxing_group_size",
			Help:    "Number of requests per emitted group.",
			Buckets: prometheus.LinearBuckets(1, 4, 8),
		}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "cboxing_active_jobs",
			Help: "Jobs currently registered with the scheduler.",
		}),
	}
}

func jobLabel(jobID int64) string { return strconv.FormatInt(jobID, 10) }

func (m *Metrics) ObserveSchedule(jobID int64) {
	m.scheduleTotal.WithLabelValues(jobLabel(jobID)).Inc()
}

func (m *Metrics) ObserveReady(jobID int64) {
	m.requestsReadyTotal.WithLabelValues(jobLabel(jobID)).Inc()
}

func (m *Metrics) ObserveGroupCreated(jobID int64, t model.DeviceType, size int) {
	m.groupsCreatedTotal.WithLabelValues(jobLabel(jobID), string(t)).Inc()
	m.groupSize.Observe(float64(size))
}

// ObserveExecute 记录一次 ExecuteGroup 的耗时与结果
func (m *Metrics) ObserveExecute(t model.DeviceType, seconds float64, err error) {
	m.groupExecuteDuration.WithLabelValues(string(t)).Observe(seconds)
	if err != nil {
		m.groupExecuteFailures.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) JobAdded()   { m.activeJobs.Inc() }
func (m *Metrics) JobRemoved() { m.activeJobs.Dec() }
