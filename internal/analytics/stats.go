package analytics

import (
	"math"

	"machine-monitor/internal/models"

	"github.com/montanaflynn/stats"
)

// trendSlopeEpsilon наклон меньше этого по модулю считается стабильным
const trendSlopeEpsilon = 0.1

// Summarize считает mean/median/std/min/max по каждой метрике окна.
// Чистая функция. Для пустого окна все поля не определены (nil).
func Summarize(samples []models.MetricSample) models.StatisticalSummary {
	if len(samples) == 0 {
		return models.StatisticalSummary{}
	}
	return models.StatisticalSummary{
		Temperature: summarizeMetric(column(samples, models.MetricTemperature)),
		CPUUsage:    summarizeMetric(column(samples, models.MetricCPUUsage)),
		MemoryUsage: summarizeMetric(column(samples, models.MetricMemoryUsage)),
	}
}

func summarizeMetric(values stats.Float64Data) models.MetricStats {
	var out models.MetricStats
	if len(values) == 0 {
		return out
	}

	// stats возвращает ошибку только для пустого ввода, он отсечен выше
	mean, _ := values.Mean()
	median, _ := values.Median()
	std, _ := values.StandardDeviationPopulation()
	minVal, _ := values.Min()
	maxVal, _ := values.Max()

	out.Mean = &mean
	out.Median = &median
	out.StdDev = &std
	out.Min = &minVal
	out.Max = &maxVal
	return out
}

// column достает значения одной метрики в порядке окна
func column(samples []models.MetricSample, metric string) stats.Float64Data {
	values := make(stats.Float64Data, len(samples))
	for i, s := range samples {
		values[i] = s.Value(metric)
	}
	return values
}

// PredictTrend классифицирует тренд каждой метрики по наклону линейной регрессии
// значения от индекса сэмпла.
func PredictTrend(samples []models.MetricSample) models.TrendPrediction {
	return models.TrendPrediction{
		Temperature: trend(samples, models.MetricTemperature),
		CPUUsage:    trend(samples, models.MetricCPUUsage),
		MemoryUsage: trend(samples, models.MetricMemoryUsage),
	}
}

func trend(samples []models.MetricSample, metric string) string {
	if len(samples) < 2 {
		return models.TrendInsufficient
	}

	series := make(stats.Series, len(samples))
	for i, s := range samples {
		series[i] = stats.Coordinate{X: float64(i), Y: s.Value(metric)}
	}

	line, err := stats.LinearRegression(series)
	if err != nil || len(line) < 2 {
		return models.TrendInsufficient
	}

	first, last := line[0], line[len(line)-1]
	slope := (last.Y - first.Y) / (last.X - first.X)

	switch {
	case math.IsNaN(slope) || math.Abs(slope) < trendSlopeEpsilon:
		return models.TrendStable
	case slope > 0:
		return models.TrendIncreasing
	default:
		return models.TrendDecreasing
	}
}
