package generator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"machine-monitor/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source источник сэмплов для машины
type Source interface {
	Next(machineID string, now time.Time) (models.MetricSample, error)
}

// Sink принимает сэмплы (монитор)
type Sink interface {
	Ingest(sample models.MetricSample, source string) error
}

// Baseline базовый уровень и разброс метрик машины
type Baseline struct {
	TempBase, TempVar float64
	CPUBase, CPUVar   float64
	MemBase, MemVar   float64
}

var defaultBaseline = Baseline{TempBase: 50, TempVar: 15, CPUBase: 50, CPUVar: 25, MemBase: 50, MemVar: 20}

// DefaultBaselines профили известных машин: сервер, рабочая станция, edge-устройство
func DefaultBaselines() map[string]Baseline {
	return map[string]Baseline{
		"machine-0": {TempBase: 50, TempVar: 15, CPUBase: 40, CPUVar: 30, MemBase: 60, MemVar: 20},
		"machine-1": {TempBase: 65, TempVar: 10, CPUBase: 70, CPUVar: 25, MemBase: 75, MemVar: 15},
		"machine-2": {TempBase: 40, TempVar: 5, CPUBase: 20, CPUVar: 15, MemBase: 40, MemVar: 10},
	}
}

// Synthetic генерирует равномерный шум вокруг базового уровня машины
type Synthetic struct {
	baselines map[string]Baseline
	rng       *rand.Rand
	mu        sync.Mutex
}

// NewSynthetic создает генератор. baselines == nil означает DefaultBaselines.
func NewSynthetic(baselines map[string]Baseline, seed int64) *Synthetic {
	if baselines == nil {
		baselines = DefaultBaselines()
	}
	return &Synthetic{
		baselines: baselines,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Next выдает очередной сэмпл в допустимых диапазонах
func (s *Synthetic) Next(machineID string, now time.Time) (models.MetricSample, error) {
	if machineID == "" {
		return models.MetricSample{}, fmt.Errorf("empty machine id: %w", models.ErrInvalidSample)
	}
	b, ok := s.baselines[machineID]
	if !ok {
		b = defaultBaseline
	}

	s.mu.Lock()
	temp := b.TempBase + s.uniform(b.TempVar)
	cpu := b.CPUBase + s.uniform(b.CPUVar)
	mem := b.MemBase + s.uniform(b.MemVar)
	s.mu.Unlock()

	return models.MetricSample{
		MachineID:   machineID,
		Timestamp:   now,
		Temperature: clamp(round2(temp), 30, 95),
		CPUUsage:    clamp(round2(cpu), 0, 100),
		MemoryUsage: clamp(round2(mem), 0, 100),
	}, nil
}

// uniform значение в [-spread, spread], вызывается под s.mu
func (s *Synthetic) uniform(spread float64) float64 {
	return (s.rng.Float64()*2 - 1) * spread
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

// Runner периодически опрашивает Source для всех машин и передает сэмплы в Sink
type Runner struct {
	source   Source
	sink     Sink
	machines []string
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRunner создает раннер генерации
func NewRunner(source Source, sink Sink, machines []string, interval time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		source:   source,
		sink:     sink,
		machines: machines,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Seed заполняет окна начальными сэмплами с метками времени в прошлом,
// чтобы анализ был доступен сразу после старта
func (r *Runner) Seed(count int) error {
	if count <= 0 {
		return nil
	}
	end := r.now()
	for _, id := range r.machines {
		for i := count - 1; i >= 0; i-- {
			ts := end.Add(-time.Duration(i+1) * r.interval)
			if err := r.emit(id, ts); err != nil {
				return fmt.Errorf("seed %s: %w", id, err)
			}
		}
	}
	return nil
}

// Run генерирует сэмплы на каждом тике до отмены контекста
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("generator started",
		zap.Int("machines", len(r.machines)),
		zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("generator stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick один раунд генерации, машины обрабатываются параллельно.
// Ошибка одной машины не прерывает остальные.
func (r *Runner) tick(ctx context.Context) {
	ts := r.now()
	var g errgroup.Group
	for _, id := range r.machines {
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := r.emit(id, ts); err != nil {
				r.logger.Warn("failed to generate sample", zap.String("machine_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) emit(machineID string, ts time.Time) error {
	sample, err := r.source.Next(machineID, ts)
	if err != nil {
		return err
	}
	return r.sink.Ingest(sample, "generator")
}
