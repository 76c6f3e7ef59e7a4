package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"machine-monitor/internal/analytics"
	"machine-monitor/internal/metrics"
	"machine-monitor/internal/models"
	"machine-monitor/internal/stream"
	"machine-monitor/internal/window"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ErrMirrorDisabled внешнее зеркало (Redis) не настроено
var ErrMirrorDisabled = errors.New("analysis mirror is disabled")

// Mirror внешнее хранилище последних анализов и аномалий
type Mirror interface {
	StoreAnalysis(ctx context.Context, rec *models.AnalysisRecord) error
	GetAnalysis(ctx context.Context, machineID string) (*models.AnalysisRecord, error)
	StoreAnomalies(ctx context.Context, machineID string, samples []models.MetricSample) error
	GetRecentAnomalies(ctx context.Context, machineID string, limit int) ([]models.MetricSample, error)
	Ping(ctx context.Context) error
	GetStats() map[string]interface{}
}

// UnknownMachinesError запрошены машины, которых нет
type UnknownMachinesError struct {
	IDs []string
}

func (e *UnknownMachinesError) Error() string {
	return fmt.Sprintf("invalid machine IDs: %s", strings.Join(e.IDs, ", "))
}

// Is позволяет сравнивать с models.ErrUnknownMachine
func (e *UnknownMachinesError) Is(target error) bool {
	return target == models.ErrUnknownMachine
}

// Options параметры монитора
type Options struct {
	// Workers число шардов пересчета анализа
	Workers int
	// QueueSize емкость очереди одного шарда
	QueueSize int
	// Mirror может быть nil
	Mirror Mirror
	// MirrorTimeout таймаут одной операции с зеркалом
	MirrorTimeout time.Duration
	// AnalysisTimeout сколько запрос анализа ждет пересчета, прежде чем
	// отдать последний анализ из зеркала
	AnalysisTimeout time.Duration
	// MaxClockSkew насколько метка времени сэмпла может опережать часы сервера
	MaxClockSkew time.Duration
	Logger       *zap.Logger
}

// Monitor связывает хранилище окон, оркестратор анализа и push-hub.
// Пересчет анализа после append идет в пуле воркеров; машина всегда
// попадает в один и тот же шард, так что события анализа по машине упорядочены.
type Monitor struct {
	store  *window.Store
	orch   *analytics.Orchestrator
	hub    *stream.Hub
	mirror Mirror
	logger *zap.Logger

	mirrorTimeout   time.Duration
	analysisTimeout time.Duration
	maxClockSkew    time.Duration
	now             func() time.Time
	queues          []chan string
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// New создает монитор
func New(store *window.Store, orch *analytics.Orchestrator, hub *stream.Hub, opts Options) *Monitor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 2 * time.Second
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 10 * time.Second
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	queues := make([]chan string, opts.Workers)
	for i := range queues {
		queues[i] = make(chan string, opts.QueueSize)
	}

	return &Monitor{
		store:           store,
		orch:            orch,
		hub:             hub,
		mirror:          opts.Mirror,
		logger:          opts.Logger,
		mirrorTimeout:   opts.MirrorTimeout,
		analysisTimeout: opts.AnalysisTimeout,
		maxClockSkew:    opts.MaxClockSkew,
		now:             time.Now,
		queues:          queues,
		stopChan:        make(chan struct{}),
	}
}

// Start запускает воркеры пересчета
func (m *Monitor) Start() {
	for _, q := range m.queues {
		m.wg.Add(1)
		go m.processRefreshes(q)
	}
}

// Stop останавливает воркеры и закрывает подписки
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
		m.hub.Stop()
	})
}

// RegisterMachine заводит пустое окно, чтобы машина была видна до первого сэмпла
func (m *Monitor) RegisterMachine(machineID string) {
	m.store.Register(machineID)
}

// Ingest проверяет сэмпл, добавляет его в окно и рассылает подписчикам.
// Метка времени не может опережать часы сервера больше чем на MaxClockSkew.
func (m *Monitor) Ingest(sample models.MetricSample, source string) error {
	now := m.now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	if err := sample.Validate(); err != nil {
		metrics.SamplesRejected.WithLabelValues(source, "invalid").Inc()
		return err
	}
	if limit := now.Add(m.maxClockSkew); sample.Timestamp.After(limit) {
		metrics.SamplesRejected.WithLabelValues(source, "future").Inc()
		return fmt.Errorf("%w: timestamp %s is more than %s ahead of server time", models.ErrInvalidSample,
			sample.Timestamp.Format(time.RFC3339Nano), m.maxClockSkew)
	}

	// публикуем под блокировкой окна: подписчики видят сэмплы в порядке окна
	publish := func(uint64) {
		m.hub.Publish(models.Event{
			Type:      models.EventSample,
			MachineID: sample.MachineID,
			Sample:    &sample,
			Timestamp: time.Now(),
		})
	}
	if _, err := m.store.AppendFunc(sample.MachineID, sample, publish); err != nil {
		reason := "invalid"
		if errors.Is(err, models.ErrOutOfOrder) {
			reason = "out_of_order"
		}
		metrics.SamplesRejected.WithLabelValues(source, reason).Inc()
		return err
	}

	metrics.SamplesIngested.WithLabelValues(source).Inc()
	metrics.MachineTemperature.WithLabelValues(sample.MachineID).Set(sample.Temperature)
	metrics.MachineCPUUsage.WithLabelValues(sample.MachineID).Set(sample.CPUUsage)
	metrics.MachineMemoryUsage.WithLabelValues(sample.MachineID).Set(sample.MemoryUsage)

	if m.mirror != nil || m.hub.HasSubscribers(sample.MachineID) {
		m.requestRefresh(sample.MachineID)
	}
	return nil
}

// requestRefresh ставит пересчет в очередь шарда, при полной очереди пропускает
func (m *Monitor) requestRefresh(machineID string) bool {
	q := m.queues[xxhash.Sum64String(machineID)%uint64(len(m.queues))]
	select {
	case q <- machineID:
		return true
	default:
		// следующий append снова запросит пересчет
		return false
	}
}

func (m *Monitor) processRefreshes(q chan string) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case machineID := <-q:
			m.refresh(machineID)
		}
	}
}

// refresh пересчитывает анализ, рассылает его и зеркалирует в Redis
func (m *Monitor) refresh(machineID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := m.orch.Analyze(ctx, machineID)
	if err != nil {
		m.logger.Warn("analysis refresh failed", zap.String("machine_id", machineID), zap.Error(err))
		return
	}

	metrics.AnomalyPercentage.WithLabelValues(machineID).Set(rec.AnomalyDetection.AnomalyPercentage)
	m.hub.Publish(models.Event{
		Type:      models.EventAnalysis,
		MachineID: machineID,
		Analysis:  rec,
		Timestamp: time.Now(),
	})

	if m.mirror != nil {
		m.mirrorRecord(rec)
	}
}

func (m *Monitor) mirrorRecord(rec *models.AnalysisRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), m.mirrorTimeout)
	defer cancel()

	if err := m.mirror.StoreAnalysis(ctx, rec); err == nil {
		metrics.RedisOperations.WithLabelValues("store_analysis", "success").Inc()
	} else {
		metrics.RedisOperations.WithLabelValues("store_analysis", "error").Inc()
		m.logger.Warn("failed to mirror analysis", zap.String("machine_id", rec.MachineID), zap.Error(err))
	}

	if rec.AnomalyDetection.AnomalyCount == 0 {
		return
	}
	if err := m.mirror.StoreAnomalies(ctx, rec.MachineID, rec.AnomalyDetection.Anomalies); err == nil {
		metrics.RedisOperations.WithLabelValues("store_anomaly", "success").Inc()
		m.logger.Info("anomalies detected",
			zap.String("machine_id", rec.MachineID),
			zap.Int("anomaly_count", rec.AnomalyDetection.AnomalyCount),
			zap.Float64("anomaly_percentage", rec.AnomalyDetection.AnomalyPercentage))
	} else {
		metrics.RedisOperations.WithLabelValues("store_anomaly", "error").Inc()
		m.logger.Warn("failed to mirror anomalies", zap.String("machine_id", rec.MachineID), zap.Error(err))
	}
}

// ListMachines машины в порядке обнаружения
func (m *Monitor) ListMachines() []string {
	return m.store.ListMachines()
}

// CurrentMetrics последний сэмпл машины
func (m *Monitor) CurrentMetrics(machineID string) (models.MetricSample, error) {
	snap, ok := m.store.Lookup(machineID)
	if !ok {
		return models.MetricSample{}, fmt.Errorf("machine %q: %w", machineID, models.ErrUnknownMachine)
	}
	latest, ok := snap.Latest()
	if !ok {
		return models.MetricSample{}, fmt.Errorf("machine %q: %w", machineID, models.ErrNoData)
	}
	return latest, nil
}

// History окно машины целиком или последние limit сэмплов
func (m *Monitor) History(machineID string, limit int) ([]models.MetricSample, error) {
	snap, ok := m.store.Lookup(machineID)
	if !ok {
		return nil, fmt.Errorf("machine %q: %w", machineID, models.ErrUnknownMachine)
	}
	samples := snap.Samples
	if limit > 0 && limit < len(samples) {
		samples = samples[len(samples)-limit:]
	}
	return samples, nil
}

// Analysis анализ окна машины (через кэш оркестратора). Если пересчет не уложился
// в AnalysisTimeout, отдается последний анализ из зеркала, когда он там есть.
func (m *Monitor) Analysis(ctx context.Context, machineID string) (*models.AnalysisRecord, error) {
	actx, cancel := context.WithTimeout(ctx, m.analysisTimeout)
	defer cancel()

	rec, err := m.orch.Analyze(actx, machineID)
	if err == nil || m.mirror == nil || !errors.Is(err, context.DeadlineExceeded) {
		return rec, err
	}

	mctx, mcancel := context.WithTimeout(context.Background(), m.mirrorTimeout)
	defer mcancel()
	mirrored, mirrorErr := m.mirror.GetAnalysis(mctx, machineID)
	if mirrorErr != nil {
		metrics.RedisOperations.WithLabelValues("get_analysis", "error").Inc()
		return nil, err
	}
	metrics.RedisOperations.WithLabelValues("get_analysis", "success").Inc()
	m.logger.Warn("analysis timed out, serving mirrored record",
		zap.String("machine_id", machineID),
		zap.String("fingerprint", mirrored.Fingerprint))
	return mirrored, nil
}

// AnalyzeRange анализ нескольких машин с необязательным фильтром по времени.
// Пустой ids означает все машины. Машины без сэмплов в интервале пропускаются.
func (m *Monitor) AnalyzeRange(ctx context.Context, ids []string, start, end *time.Time) (map[string]*models.AnalysisRecord, error) {
	if len(ids) == 0 {
		ids = m.store.ListMachines()
	}

	var unknown []string
	for _, id := range ids {
		if !m.store.Has(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, &UnknownMachinesError{IDs: unknown}
	}

	results := make(map[string]*models.AnalysisRecord, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if start == nil && end == nil {
			rec, err := m.orch.Analyze(ctx, id)
			if err != nil {
				return nil, err
			}
			if rec.SampleCount > 0 {
				results[id] = rec
			}
			continue
		}

		filtered := filterByTime(m.store.Snapshot(id).Samples, start, end)
		if len(filtered) == 0 {
			continue
		}
		results[id] = m.orch.AnalyzeSamples(id, filtered)
	}
	return results, nil
}

func filterByTime(samples []models.MetricSample, start, end *time.Time) []models.MetricSample {
	out := make([]models.MetricSample, 0, len(samples))
	for _, s := range samples {
		if start != nil && s.Timestamp.Before(*start) {
			continue
		}
		if end != nil && s.Timestamp.After(*end) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Subscribe подписка на новые сэмплы и анализы машины
func (m *Monitor) Subscribe(machineID string) (*stream.Subscription, error) {
	if !m.store.Has(machineID) {
		return nil, fmt.Errorf("machine %q: %w", machineID, models.ErrUnknownMachine)
	}
	sub := m.hub.Subscribe(machineID)
	// новый подписчик сразу получает актуальный анализ
	m.requestRefresh(machineID)
	return sub, nil
}

// RecentAnomalies последние аномалии машины из зеркала
func (m *Monitor) RecentAnomalies(ctx context.Context, machineID string, limit int) ([]models.MetricSample, error) {
	if m.mirror == nil {
		return nil, ErrMirrorDisabled
	}
	if !m.store.Has(machineID) {
		return nil, fmt.Errorf("machine %q: %w", machineID, models.ErrUnknownMachine)
	}
	anomalies, err := m.mirror.GetRecentAnomalies(ctx, machineID, limit)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("get_anomalies", "error").Inc()
		return nil, err
	}
	metrics.RedisOperations.WithLabelValues("get_anomalies", "success").Inc()
	return anomalies, nil
}

// Health состояние зависимостей. mirror == nil означает, что зеркало выключено.
func (m *Monitor) Health(ctx context.Context) (mirrorEnabled bool, mirrorErr error) {
	if m.mirror == nil {
		return false, nil
	}
	return true, m.mirror.Ping(ctx)
}

// QueueSize суммарная длина очередей пересчета
func (m *Monitor) QueueSize() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// UpdateGauges обновляет периодические метрики
func (m *Monitor) UpdateGauges() {
	metrics.ActiveMachines.Set(float64(len(m.store.ListMachines())))
	metrics.RefreshQueueSize.Set(float64(m.QueueSize()))
}

// GetStats возвращает статистику монитора
func (m *Monitor) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"store":       m.store.GetStats(),
		"subscribers": m.hub.GetClientCount(),
		"queue_size":  m.QueueSize(),
		"workers":     len(m.queues),
	}
	if m.mirror != nil {
		stats["redis"] = m.mirror.GetStats()
	}
	return stats
}
