package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration продолжительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// SamplesIngested принятые сэмплы
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machine_samples_ingested_total",
			Help: "Total number of metric samples appended to machine windows",
		},
		[]string{"source"},
	)

	// SamplesRejected отклоненные сэмплы
	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machine_samples_rejected_total",
			Help: "Total number of metric samples rejected or skipped",
		},
		[]string{"source", "reason"},
	)

	// MachineTemperature последняя температура машины
	MachineTemperature = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "machine_temperature",
			Help: "Temperature of the machine",
		},
		[]string{"machine_id"},
	)

	// MachineCPUUsage последняя загрузка CPU
	MachineCPUUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "machine_cpu_usage",
			Help: "CPU usage of the machine",
		},
		[]string{"machine_id"},
	)

	// MachineMemoryUsage последнее использование памяти
	MachineMemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "machine_memory_usage",
			Help: "Memory usage of the machine",
		},
		[]string{"machine_id"},
	)

	// AnomalyPercentage доля аномалий в окне по последнему анализу
	AnomalyPercentage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "machine_anomaly_percentage",
			Help: "Percentage of window samples flagged anomalous by the latest analysis",
		},
		[]string{"machine_id"},
	)

	// AnalysisLatency время построения AnalysisRecord
	AnalysisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_latency_seconds",
			Help:    "Analysis computation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// AnalysisCache результаты обращения к кэшу анализа: hit, miss, shared
	AnalysisCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_cache_requests_total",
			Help: "Analysis cache lookups by result",
		},
		[]string{"result"},
	)

	// ActiveMachines известные машины
	ActiveMachines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_machines",
			Help: "Number of machines with a window",
		},
	)

	// Subscribers активные подписчики push-канала
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_subscribers",
			Help: "Number of connected push subscribers",
		},
	)

	// EventsDropped события, вытесненные из очереди медленного подписчика
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_dropped_total",
			Help: "Events dropped for slow subscribers",
		},
		[]string{"type"},
	)

	// RefreshQueueSize размер очереди пересчета анализа
	RefreshQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analysis_refresh_queue_size",
			Help: "Current size of the analysis refresh queues",
		},
	)

	// RedisOperations операции с Redis
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)
)
