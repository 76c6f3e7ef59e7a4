package generator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"machine-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu      sync.Mutex
	samples []models.MetricSample
	failFor string
}

func (s *recordingSink) Ingest(sample models.MetricSample, _ string) error {
	if sample.MachineID == s.failFor {
		return models.ErrOutOfOrder
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *recordingSink) byMachine(machineID string) []models.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MetricSample
	for _, sample := range s.samples {
		if sample.MachineID == machineID {
			out = append(out, sample)
		}
	}
	return out
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func TestSynthetic_RangesAndRounding(t *testing.T) {
	src := NewSynthetic(nil, 7)
	now := time.Now()

	for _, id := range []string{"machine-0", "machine-1", "machine-2", "machine-9"} {
		for i := 0; i < 500; i++ {
			s, err := src.Next(id, now)
			require.NoError(t, err)
			require.NoError(t, s.Validate())

			assert.Equal(t, id, s.MachineID)
			assert.GreaterOrEqual(t, s.Temperature, 30.0)
			assert.LessOrEqual(t, s.Temperature, 95.0)
			assert.InDelta(t, s.Temperature, round2(s.Temperature), 1e-9)
			assert.InDelta(t, s.CPUUsage, round2(s.CPUUsage), 1e-9)
		}
	}
}

func TestSynthetic_UsesBaseline(t *testing.T) {
	src := NewSynthetic(nil, 1)
	for i := 0; i < 200; i++ {
		s, err := src.Next("machine-2", time.Now())
		require.NoError(t, err)
		assert.InDelta(t, 40, s.Temperature, 5.01)
		assert.InDelta(t, 20, s.CPUUsage, 15.01)
		assert.InDelta(t, 40, s.MemoryUsage, 10.01)
	}

	_, err := src.Next("", time.Now())
	assert.True(t, errors.Is(err, models.ErrInvalidSample))
}

func TestSynthetic_SameSeedSameSequence(t *testing.T) {
	a := NewSynthetic(nil, 99)
	b := NewSynthetic(nil, 99)
	now := time.Now()
	for i := 0; i < 20; i++ {
		sa, _ := a.Next("machine-1", now)
		sb, _ := b.Next("machine-1", now)
		assert.Equal(t, sa, sb)
	}
}

func TestRunner_SeedBackdatesTimestamps(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(NewSynthetic(nil, 3), sink, []string{"machine-0", "machine-1"}, 2*time.Second, nil)
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	require.NoError(t, r.Seed(10))

	for _, id := range []string{"machine-0", "machine-1"} {
		got := sink.byMachine(id)
		require.Len(t, got, 10)
		assert.Equal(t, base.Add(-20*time.Second), got[0].Timestamp)
		assert.Equal(t, base.Add(-2*time.Second), got[9].Timestamp)
		for i := 1; i < len(got); i++ {
			assert.True(t, got[i].Timestamp.After(got[i-1].Timestamp))
		}
	}
}

func TestRunner_SeedPropagatesSinkError(t *testing.T) {
	sink := &recordingSink{failFor: "machine-1"}
	r := NewRunner(NewSynthetic(nil, 3), sink, []string{"machine-0", "machine-1"}, time.Second, nil)

	err := r.Seed(3)
	assert.ErrorIs(t, err, models.ErrOutOfOrder)
}

func TestRunner_RunTicksUntilCancel(t *testing.T) {
	sink := &recordingSink{failFor: "machine-1"}
	r := NewRunner(NewSynthetic(nil, 5), sink, []string{"machine-0", "machine-1", "machine-2"}, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(sink.byMachine("machine-0")) >= 3 && len(sink.byMachine("machine-2")) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}

	// ошибка одной машины не останавливает генерацию для остальных
	assert.Empty(t, sink.byMachine("machine-1"))
	n := sink.len()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, sink.len())
}

func TestHostSource_Next(t *testing.T) {
	src := &HostSource{
		machineID:   "host-a",
		cpuPercent:  func() (float64, error) { return 12.3456, nil },
		memPercent:  func() (float64, error) { return 101, nil },
		temperature: func() (float64, bool) { return 61.239, true },
	}
	now := time.Now()

	s, err := src.Next("host-a", now)
	require.NoError(t, err)
	assert.Equal(t, "host-a", s.MachineID)
	assert.Equal(t, now, s.Timestamp)
	assert.Equal(t, 12.35, s.CPUUsage)
	assert.Equal(t, 100.0, s.MemoryUsage)
	assert.Equal(t, 61.24, s.Temperature)
	require.NoError(t, s.Validate())

	_, err = src.Next("machine-0", now)
	assert.ErrorIs(t, err, models.ErrUnknownMachine)

	src.cpuPercent = func() (float64, error) { return 0, errors.New("permission denied") }
	_, err = src.Next("host-a", now)
	assert.ErrorContains(t, err, "failed to read cpu usage")
}

func TestHostSource_NoSensors(t *testing.T) {
	src := &HostSource{
		machineID:   "host-a",
		cpuPercent:  func() (float64, error) { return 5, nil },
		memPercent:  func() (float64, error) { return 50, nil },
		temperature: func() (float64, bool) { return 0, false },
	}
	s, err := src.Next("host-a", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Temperature)
}
