package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Имена метрик, по которым строится сводка и вектор признаков
const (
	MetricTemperature = "temperature"
	MetricCPUUsage    = "cpu_usage"
	MetricMemoryUsage = "memory_usage"
)

// MetricNames порядок метрик в векторе признаков
var MetricNames = []string{MetricTemperature, MetricCPUUsage, MetricMemoryUsage}

var (
	// ErrUnknownMachine машина ни разу не встречалась
	ErrUnknownMachine = errors.New("unknown machine")
	// ErrNoData окно машины пустое
	ErrNoData = errors.New("no data available")
	// ErrOutOfOrder метка времени старше последней в окне
	ErrOutOfOrder = errors.New("sample timestamp is older than the window's latest")
	// ErrInvalidSample сэмпл не прошел валидацию
	ErrInvalidSample = errors.New("invalid sample")
)

// MetricSample один замер машины. После создания не изменяется.
type MetricSample struct {
	MachineID   string    `json:"machine_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
}

// Features возвращает вектор признаков {temperature, cpu_usage, memory_usage}
func (s MetricSample) Features() []float64 {
	return []float64{s.Temperature, s.CPUUsage, s.MemoryUsage}
}

// Value возвращает значение метрики по имени
func (s MetricSample) Value(metric string) float64 {
	switch metric {
	case MetricTemperature:
		return s.Temperature
	case MetricCPUUsage:
		return s.CPUUsage
	case MetricMemoryUsage:
		return s.MemoryUsage
	}
	return 0
}

// MetricStats статистика одной метрики. nil поле означает "не определено",
// это не то же самое, что ноль.
type MetricStats struct {
	Mean   *float64 `json:"mean"`
	Median *float64 `json:"median"`
	StdDev *float64 `json:"std_dev"`
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
}

// Defined сообщает, посчитана ли статистика
func (m MetricStats) Defined() bool {
	return m.Mean != nil
}

// StatisticalSummary сводка по всем метрикам окна
type StatisticalSummary struct {
	Temperature MetricStats `json:"temperature"`
	CPUUsage    MetricStats `json:"cpu_usage"`
	MemoryUsage MetricStats `json:"memory_usage"`
}

// Metric возвращает статистику метрики по имени
func (s StatisticalSummary) Metric(name string) MetricStats {
	switch name {
	case MetricTemperature:
		return s.Temperature
	case MetricCPUUsage:
		return s.CPUUsage
	case MetricMemoryUsage:
		return s.MemoryUsage
	}
	return MetricStats{}
}

// Направления тренда
const (
	TrendIncreasing   = "increasing"
	TrendDecreasing   = "decreasing"
	TrendStable       = "stable"
	TrendInsufficient = "insufficient_data"
)

// TrendPrediction тренд по каждой метрике
type TrendPrediction struct {
	Temperature string `json:"temperature"`
	CPUUsage    string `json:"cpu_usage"`
	MemoryUsage string `json:"memory_usage"`
}

// AnomalyResult результат работы детектора аномалий над окном
type AnomalyResult struct {
	TotalRecords      int            `json:"total_records"`
	AnomalyCount      int            `json:"anomaly_count"`
	AnomalyPercentage float64        `json:"anomaly_percentage"`
	IsAnomaly         []bool         `json:"is_anomaly"`
	Scores            []float64      `json:"scores,omitempty"`
	Threshold         float64        `json:"threshold,omitempty"`
	Anomalies         []MetricSample `json:"anomalies"`
	InsufficientData  bool           `json:"insufficient_data"`
	Reason            string         `json:"reason,omitempty"`
	ModelFingerprint  string         `json:"model_fingerprint"`
}

// Статусы здоровья машины
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// AnalysisRecord полный результат анализа машины на момент времени
type AnalysisRecord struct {
	MachineID          string             `json:"machine_id"`
	GeneratedAt        time.Time          `json:"generated_at"`
	SampleCount        int                `json:"sample_count"`
	Fingerprint        string             `json:"fingerprint"`
	StatisticalSummary StatisticalSummary `json:"statistical_summary"`
	AnomalyDetection   AnomalyResult      `json:"anomaly_detection"`
	TrendPrediction    TrendPrediction    `json:"trend_prediction"`
	HealthStatus       string             `json:"health_status"`
}

// Типы событий push-канала
const (
	EventSample   = "sample"
	EventAnalysis = "analysis"
)

// Event событие для подписчиков машины
type Event struct {
	Type      string          `json:"type"`
	MachineID string          `json:"machine_id"`
	Sample    *MetricSample   `json:"sample,omitempty"`
	Analysis  *AnalysisRecord `json:"analysis,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate проверяет сэмпл перед добавлением в окно
func (s MetricSample) Validate() error {
	if s.MachineID == "" {
		return fmt.Errorf("%w: machine_id is required", ErrInvalidSample)
	}
	for _, name := range MetricNames {
		v := s.Value(name)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidSample, name)
		}
	}
	if s.CPUUsage < 0 || s.CPUUsage > 100 {
		return fmt.Errorf("%w: cpu_usage %.2f out of range [0, 100]", ErrInvalidSample, s.CPUUsage)
	}
	if s.MemoryUsage < 0 || s.MemoryUsage > 100 {
		return fmt.Errorf("%w: memory_usage %.2f out of range [0, 100]", ErrInvalidSample, s.MemoryUsage)
	}
	return nil
}
