package analytics

import (
	"context"
	"fmt"
	"time"

	"machine-monitor/internal/metrics"
	"machine-monitor/internal/models"
	"machine-monitor/internal/window"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SnapshotSource источник снапшотов окон
type SnapshotSource interface {
	Lookup(machineID string) (window.Snapshot, bool)
}

// maxCachedMachines верхняя граница кэша; вытесненная машина просто пересчитается
const maxCachedMachines = 4096

type cachedRecord struct {
	fingerprint string
	record      *models.AnalysisRecord
}

// Orchestrator собирает статистику и результат детектора в один AnalysisRecord.
// Кэш инвалидируется только сменой отпечатка окна, TTL нет.
type Orchestrator struct {
	source SnapshotSource
	scorer AnomalyScorer
	policy HealthPolicy
	logger *zap.Logger
	now    func() time.Time

	cache *lru.Cache[string, cachedRecord]
	group singleflight.Group
}

// NewOrchestrator создает оркестратор
func NewOrchestrator(source SnapshotSource, scorer AnomalyScorer, policy HealthPolicy, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	// ошибка только при неположительном размере
	cache, _ := lru.New[string, cachedRecord](maxCachedMachines)
	return &Orchestrator{
		source: source,
		scorer: scorer,
		policy: policy,
		logger: logger,
		now:    time.Now,
		cache:  cache,
	}
}

// Analyze возвращает анализ окна машины. Параллельные вызовы для одной машины
// разделяют одно вычисление.
func (o *Orchestrator) Analyze(ctx context.Context, machineID string) (*models.AnalysisRecord, error) {
	snap, ok := o.source.Lookup(machineID)
	if !ok {
		return nil, fmt.Errorf("analyze %q: %w", machineID, models.ErrUnknownMachine)
	}
	fp := snap.Fingerprint()
	if rec, hit := o.cached(machineID, fp); hit {
		metrics.AnalysisCache.WithLabelValues("hit").Inc()
		return rec, nil
	}

	rec, shared, err := o.compute(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if shared && rec.Fingerprint != fp {
		// присоединились к вычислению, начатому до нашего снапшота.
		// Следующее вычисление стартует уже после него и видит окно не старее нашего.
		rec, _, err = o.compute(ctx, machineID)
		if err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// compute считает анализ через singleflight: одно вычисление на машину в каждый момент
func (o *Orchestrator) compute(ctx context.Context, machineID string) (*models.AnalysisRecord, bool, error) {
	ch := o.group.DoChan(machineID, func() (interface{}, error) {
		// снапшот берем заново: пока ждали, окно могло измениться
		snap, ok := o.source.Lookup(machineID)
		if !ok {
			return nil, fmt.Errorf("analyze %q: %w", machineID, models.ErrUnknownMachine)
		}
		fp := snap.Fingerprint()
		if rec, hit := o.cached(machineID, fp); hit {
			return rec, nil
		}

		metrics.AnalysisCache.WithLabelValues("miss").Inc()
		rec := o.build(machineID, snap.Samples, fp)

		o.cache.Add(machineID, cachedRecord{fingerprint: fp, record: rec})
		return rec, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Shared {
			metrics.AnalysisCache.WithLabelValues("shared").Inc()
		}
		return res.Val.(*models.AnalysisRecord), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// AnalyzeSamples считает анализ по произвольной выборке без кэша
// (используется для запросов с фильтром по времени)
func (o *Orchestrator) AnalyzeSamples(machineID string, samples []models.MetricSample) *models.AnalysisRecord {
	return o.build(machineID, samples, fmt.Sprintf("adhoc/%d", len(samples)))
}

func (o *Orchestrator) cached(machineID, fingerprint string) (*models.AnalysisRecord, bool) {
	entry, ok := o.cache.Get(machineID)
	if !ok || entry.fingerprint != fingerprint {
		return nil, false
	}
	return entry.record, true
}

func (o *Orchestrator) build(machineID string, samples []models.MetricSample, fingerprint string) *models.AnalysisRecord {
	start := time.Now()
	anomalies := o.scorer.Score(samples)
	if anomalies.InsufficientData && len(samples) > 0 {
		o.logger.Debug("anomaly detection skipped",
			zap.String("machine_id", machineID),
			zap.Int("samples", len(samples)),
			zap.String("reason", anomalies.Reason))
	}

	rec := &models.AnalysisRecord{
		MachineID:          machineID,
		GeneratedAt:        o.now(),
		SampleCount:        len(samples),
		Fingerprint:        fingerprint,
		StatisticalSummary: Summarize(samples),
		AnomalyDetection:   anomalies,
		TrendPrediction:    PredictTrend(samples),
		HealthStatus:       o.policy.Classify(anomalies),
	}
	metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	return rec
}
