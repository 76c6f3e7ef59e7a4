package analytics

import (
	"testing"
	"time"

	"machine-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func makeSamples(n int, fn func(i int) (temp, cpu, mem float64)) []models.MetricSample {
	out := make([]models.MetricSample, n)
	for i := range out {
		temp, cpu, mem := fn(i)
		out[i] = models.MetricSample{
			MachineID:   "machine-0",
			Timestamp:   t0.Add(time.Duration(i) * 2 * time.Second),
			Temperature: temp,
			CPUUsage:    cpu,
			MemoryUsage: mem,
		}
	}
	return out
}

func TestSummarize_Empty(t *testing.T) {
	summary := Summarize(nil)

	for _, name := range models.MetricNames {
		m := summary.Metric(name)
		assert.False(t, m.Defined(), name)
		assert.Nil(t, m.Mean)
		assert.Nil(t, m.Median)
		assert.Nil(t, m.StdDev)
		assert.Nil(t, m.Min)
		assert.Nil(t, m.Max)
	}
}

func TestSummarize_SingleSample(t *testing.T) {
	samples := makeSamples(1, func(int) (float64, float64, float64) { return 61.5, 12, 0 })
	summary := Summarize(samples)

	require.True(t, summary.Temperature.Defined())
	assert.Equal(t, 61.5, *summary.Temperature.Mean)
	assert.Equal(t, 0.0, *summary.Temperature.StdDev)
	assert.Equal(t, 61.5, *summary.Temperature.Min)
	assert.Equal(t, 61.5, *summary.Temperature.Max)

	// настоящий ноль отличается от "не определено"
	require.NotNil(t, summary.MemoryUsage.Mean)
	assert.Equal(t, 0.0, *summary.MemoryUsage.Mean)
}

func TestSummarize_PopulationStdDev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	samples := makeSamples(len(values), func(i int) (float64, float64, float64) {
		return values[i], float64(i), 50
	})
	summary := Summarize(samples)

	assert.InDelta(t, 5.0, *summary.Temperature.Mean, 1e-9)
	assert.InDelta(t, 2.0, *summary.Temperature.StdDev, 1e-9)
	assert.InDelta(t, 4.5, *summary.Temperature.Median, 1e-9)
	assert.Equal(t, 2.0, *summary.Temperature.Min)
	assert.Equal(t, 9.0, *summary.Temperature.Max)

	assert.InDelta(t, 3.5, *summary.CPUUsage.Mean, 1e-9)
	assert.Equal(t, 0.0, *summary.MemoryUsage.StdDev)
}

func TestPredictTrend(t *testing.T) {
	// как в тестах исходного анализатора: все метрики растут
	rising := makeSamples(10, func(i int) (float64, float64, float64) {
		return 30 + float64(i)*0.5, 20 + float64(i), 40 + float64(i)*2
	})
	assert.Equal(t, models.TrendPrediction{
		Temperature: models.TrendIncreasing,
		CPUUsage:    models.TrendIncreasing,
		MemoryUsage: models.TrendIncreasing,
	}, PredictTrend(rising))

	mixed := makeSamples(10, func(i int) (float64, float64, float64) {
		return 80 - float64(i), 50 + float64(i%2)*0.01, 40
	})
	trends := PredictTrend(mixed)
	assert.Equal(t, models.TrendDecreasing, trends.Temperature)
	assert.Equal(t, models.TrendStable, trends.CPUUsage)
	assert.Equal(t, models.TrendStable, trends.MemoryUsage)
}

func TestPredictTrend_Insufficient(t *testing.T) {
	one := makeSamples(1, func(int) (float64, float64, float64) { return 1, 2, 3 })
	for _, trends := range []models.TrendPrediction{PredictTrend(nil), PredictTrend(one)} {
		assert.Equal(t, models.TrendInsufficient, trends.Temperature)
		assert.Equal(t, models.TrendInsufficient, trends.CPUUsage)
		assert.Equal(t, models.TrendInsufficient, trends.MemoryUsage)
	}
}

func TestHealthPolicy_Classify(t *testing.T) {
	policy := DefaultHealthPolicy()

	assert.Equal(t, models.HealthHealthy, policy.Classify(models.AnomalyResult{AnomalyPercentage: 5}))
	assert.Equal(t, models.HealthWarning, policy.Classify(models.AnomalyResult{AnomalyPercentage: 10}))
	assert.Equal(t, models.HealthCritical, policy.Classify(models.AnomalyResult{AnomalyPercentage: 25}))

	strict := HealthPolicy{WarningPercent: 1, CriticalPercent: 4}
	assert.Equal(t, models.HealthCritical, strict.Classify(models.AnomalyResult{AnomalyPercentage: 5}))
}
