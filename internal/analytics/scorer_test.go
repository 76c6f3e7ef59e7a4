package analytics

import (
	"testing"

	"machine-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spikeWindow 20 сэмплов около 50°C и один с температурой 95°C
func spikeWindow(spikeAt int) []models.MetricSample {
	return makeSamples(20, func(i int) (float64, float64, float64) {
		temp := 50 + 0.1*float64(i%5-2)
		if i == spikeAt {
			temp = 95
		}
		return temp, 30 + float64(i%4)*0.5, 60 + float64(i%3)*0.3
	})
}

func TestScorer_FlagsTemperatureSpike(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())

	result := scorer.Score(spikeWindow(12))

	require.False(t, result.InsufficientData, result.Reason)
	assert.Equal(t, 20, result.TotalRecords)
	assert.Equal(t, 1, result.AnomalyCount)
	assert.Equal(t, 5.0, result.AnomalyPercentage)
	require.Len(t, result.IsAnomaly, 20)
	assert.True(t, result.IsAnomaly[12])
	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, 95.0, result.Anomalies[0].Temperature)

	// у выброса максимальный score
	for i, s := range result.Scores {
		if i != 12 {
			assert.Greater(t, result.Scores[12], s)
		}
	}
}

func TestScorer_InsufficientData(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())

	for _, n := range []int{0, 1} {
		samples := makeSamples(n, func(int) (float64, float64, float64) { return 50, 50, 50 })
		result := scorer.Score(samples)

		assert.True(t, result.InsufficientData)
		assert.Equal(t, 0, result.AnomalyCount)
		assert.Equal(t, 0.0, result.AnomalyPercentage)
		assert.Equal(t, n, result.TotalRecords)
		assert.NotEmpty(t, result.Reason)
		assert.NotNil(t, result.Anomalies)
	}
}

func TestScorer_DegenerateWindowFallsBack(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	samples := makeSamples(15, func(int) (float64, float64, float64) { return 42, 10, 20 })

	result := scorer.Score(samples)

	assert.True(t, result.InsufficientData)
	assert.Contains(t, result.Reason, "scorer failure")
	assert.Equal(t, 0, result.AnomalyCount)
	assert.Equal(t, 15, result.TotalRecords)
}

func TestScorer_PercentageInvariant(t *testing.T) {
	scorer := NewScorer(ScorerConfig{Seed: 3, ConfirmSigma: -1})

	for _, n := range []int{2, 3, 7, 20, 64} {
		samples := makeSamples(n, func(i int) (float64, float64, float64) {
			return float64(i*i%17) + 30, float64(i%9) * 7, float64(i%5) * 11
		})
		result := scorer.Score(samples)

		require.False(t, result.InsufficientData, "n=%d: %s", n, result.Reason)
		assert.LessOrEqual(t, result.AnomalyCount, n)
		assert.GreaterOrEqual(t, result.AnomalyCount, 1, "contamination threshold flags at least one")
		assert.InDelta(t, 100*float64(result.AnomalyCount)/float64(n), result.AnomalyPercentage, 1e-9)

		flagged := 0
		for _, f := range result.IsAnomaly {
			if f {
				flagged++
			}
		}
		assert.Equal(t, result.AnomalyCount, flagged)
		assert.Len(t, result.Anomalies, flagged)
	}
}

func TestScorer_ReproducibleWithSeed(t *testing.T) {
	samples := spikeWindow(3)

	a := NewScorer(ScorerConfig{Seed: 99}).Score(samples)
	b := NewScorer(ScorerConfig{Seed: 99}).Score(samples)

	assert.Equal(t, a, b)
	assert.Contains(t, a.ModelFingerprint, "seed=99")
}

func TestScorer_ReseedPerBatch(t *testing.T) {
	scorer := NewScorer(ScorerConfig{Seed: 0})
	samples := spikeWindow(5)

	a := scorer.Score(samples)
	b := scorer.Score(samples)

	assert.NotEqual(t, a.ModelFingerprint, b.ModelFingerprint)
	// выброс находится независимо от seed
	assert.True(t, a.IsAnomaly[5])
	assert.True(t, b.IsAnomaly[5])
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, Percentage(0, 0))
	assert.Equal(t, 5.0, Percentage(1, 20))
	assert.Equal(t, 100.0, Percentage(3, 3))
}
