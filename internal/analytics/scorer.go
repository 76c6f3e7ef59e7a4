package analytics

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"machine-monitor/internal/models"

	"github.com/montanaflynn/stats"
)

// ScorerConfig параметры детектора аномалий
type ScorerConfig struct {
	NumTrees      int
	SubsampleSize int
	// Seed фиксирует генератор. 0 означает новый seed на каждый вызов Score.
	Seed int64
	// Contamination ожидаемая доля аномалий, калибрует порог
	Contamination float64
	// MinSamples ниже этого числа сэмплов модель не строится
	MinSamples int
	// ConfirmSigma кандидат подтверждается, если хотя бы одна метрика
	// отклоняется от среднего больше чем на ConfirmSigma σ. 0 отключает проверку.
	ConfirmSigma float64
	// DecisiveScore score, начиная с которого точка всегда кандидат
	DecisiveScore float64
}

// DefaultScorerConfig значения по умолчанию
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		NumTrees:      100,
		SubsampleSize: 256,
		Seed:          42,
		Contamination: 0.1,
		MinSamples:    2,
		ConfirmSigma:  3.0,
		DecisiveScore: 0.7,
	}
}

// AnomalyScorer размечает окно на аномальные и нормальные сэмплы
type AnomalyScorer interface {
	Score(samples []models.MetricSample) models.AnomalyResult
}

// Scorer isolation forest детектор. Каждый вызов Score заново обучает лес
// на переданном снапшоте, состояния между вызовами нет.
type Scorer struct {
	cfg      ScorerConfig
	reseeded atomic.Int64
}

// NewScorer создает детектор
func NewScorer(cfg ScorerConfig) *Scorer {
	def := DefaultScorerConfig()
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = def.NumTrees
	}
	if cfg.SubsampleSize <= 1 {
		cfg.SubsampleSize = def.SubsampleSize
	}
	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		cfg.Contamination = def.Contamination
	}
	if cfg.MinSamples < 2 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.DecisiveScore <= 0 || cfg.DecisiveScore > 1 {
		cfg.DecisiveScore = def.DecisiveScore
	}
	return &Scorer{cfg: cfg}
}

func (s *Scorer) seed() int64 {
	if s.cfg.Seed != 0 {
		return s.cfg.Seed
	}
	return time.Now().UnixNano() + s.reseeded.Add(1)
}

// Score обучает лес на окне и размечает каждый сэмпл
func (s *Scorer) Score(samples []models.MetricSample) models.AnomalyResult {
	n := len(samples)
	seed := s.seed()
	result := models.AnomalyResult{
		TotalRecords:     n,
		IsAnomaly:        make([]bool, n),
		Anomalies:        []models.MetricSample{},
		ModelFingerprint: fmt.Sprintf("iforest/trees=%d/psi=%d/seed=%d", s.cfg.NumTrees, s.cfg.SubsampleSize, seed),
	}

	if n < s.cfg.MinSamples {
		return insufficient(result, fmt.Sprintf("need at least %d samples, have %d", s.cfg.MinSamples, n))
	}

	points := make([][]float64, n)
	for i, sample := range samples {
		points[i] = sample.Features()
	}

	forest := NewIsolationForest(s.cfg.NumTrees, s.cfg.SubsampleSize, seed)
	if err := forest.Fit(points); err != nil {
		// вырожденное окно не ошибка для потребителя, отдаем "недостаточно данных"
		return insufficient(result, fmt.Sprintf("scorer failure: %v", err))
	}

	scores := forest.ScoreAll(points)
	for _, sc := range scores {
		if math.IsNaN(sc) || math.IsInf(sc, 0) {
			return insufficient(result, "scorer failure: non-finite anomaly score")
		}
	}

	threshold := contaminationThreshold(scores, s.cfg.Contamination)
	means, stds := featureMoments(points)

	for i, sc := range scores {
		candidate := sc >= threshold || sc >= s.cfg.DecisiveScore
		if candidate && s.confirmed(points[i], means, stds) {
			result.IsAnomaly[i] = true
			result.AnomalyCount++
			result.Anomalies = append(result.Anomalies, samples[i])
		}
	}

	result.Scores = scores
	result.Threshold = threshold
	result.AnomalyPercentage = Percentage(result.AnomalyCount, n)
	return result
}

// confirmed проверка на экстремальное значение хотя бы по одной метрике
func (s *Scorer) confirmed(point, means, stds []float64) bool {
	if s.cfg.ConfirmSigma <= 0 {
		return true
	}
	for j, v := range point {
		if stds[j] > 0 && math.Abs(v-means[j]) > s.cfg.ConfirmSigma*stds[j] {
			return true
		}
	}
	return false
}

// Percentage доля аномалий в процентах, 0 для пустого окна
func Percentage(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}

func insufficient(result models.AnomalyResult, reason string) models.AnomalyResult {
	result.InsufficientData = true
	result.Reason = reason
	result.AnomalyCount = 0
	result.AnomalyPercentage = 0
	return result
}

// contaminationThreshold score k-й по величине точки, k = ceil(contamination*n)
func contaminationThreshold(scores []float64, contamination float64) float64 {
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	k := int(math.Ceil(contamination * float64(len(sorted))))
	if k < 1 {
		k = 1
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[k-1]
}

// featureMoments среднее и выборочное σ каждого признака
func featureMoments(points [][]float64) ([]float64, []float64) {
	width := len(points[0])
	means := make([]float64, width)
	stds := make([]float64, width)

	for j := 0; j < width; j++ {
		values := make(stats.Float64Data, len(points))
		for i, p := range points {
			values[i] = p[j]
		}
		means[j], _ = values.Mean()
		if sd, err := values.StandardDeviationSample(); err == nil && !math.IsNaN(sd) {
			stds[j] = sd
		}
	}
	return means, stds
}
