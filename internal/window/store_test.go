package window

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"machine-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func sample(machineID string, i int) models.MetricSample {
	return models.MetricSample{
		MachineID:   machineID,
		Timestamp:   base.Add(time.Duration(i) * time.Second),
		Temperature: float64(i),
		CPUUsage:    10,
		MemoryUsage: 20,
	}
}

func TestStore_WindowIsSuffixOfAppends(t *testing.T) {
	const capacity = 7
	store := NewStore(capacity)

	for n := 1; n <= 25; n++ {
		_, err := store.Append("m", sample("m", n))
		require.NoError(t, err)

		snap := store.Snapshot("m")
		want := n
		if want > capacity {
			want = capacity
		}
		require.Len(t, snap.Samples, want)

		// окно это непрерывный суффикс всех добавленных сэмплов
		for i, s := range snap.Samples {
			assert.Equal(t, float64(n-want+1+i), s.Temperature)
		}
		assert.Equal(t, uint64(n), snap.Seq)
	}
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	store := NewStore(3)
	_, err := store.Append("m", sample("m", 1))
	require.NoError(t, err)

	snap := store.Snapshot("m")
	snap.Samples[0].Temperature = 999

	assert.Equal(t, 1.0, store.Snapshot("m").Samples[0].Temperature)
}

func TestStore_UnknownMachine(t *testing.T) {
	store := NewStore(3)

	snap := store.Snapshot("nope")
	assert.Empty(t, snap.Samples)
	assert.Equal(t, "nope", snap.MachineID)

	_, ok := store.Lookup("nope")
	assert.False(t, ok)
	assert.False(t, store.Has("nope"))
	assert.Empty(t, store.ListMachines())
}

func TestStore_RejectsOutOfOrder(t *testing.T) {
	store := NewStore(3)
	_, err := store.Append("m", sample("m", 5))
	require.NoError(t, err)

	_, err = store.Append("m", sample("m", 4))
	assert.True(t, errors.Is(err, models.ErrOutOfOrder))

	// равная метка времени допустима
	_, err = store.Append("m", sample("m", 5))
	assert.NoError(t, err)
	assert.Len(t, store.Snapshot("m").Samples, 2)
}

func TestStore_RejectsForeignSample(t *testing.T) {
	store := NewStore(3)
	_, err := store.Append("a", sample("b", 1))
	assert.True(t, errors.Is(err, models.ErrInvalidSample))
	assert.False(t, store.Has("a"))
}

func TestStore_ListMachinesInDiscoveryOrder(t *testing.T) {
	store := NewStore(3)
	store.Register("machine-2")
	_, err := store.Append("machine-0", sample("machine-0", 1))
	require.NoError(t, err)
	store.Register("machine-2")
	store.Register("machine-1")

	assert.Equal(t, []string{"machine-2", "machine-0", "machine-1"}, store.ListMachines())
	assert.Empty(t, store.Snapshot("machine-2").Samples)
}

func TestStore_FingerprintChangesOnAppend(t *testing.T) {
	store := NewStore(2)
	_, _ = store.Append("m", sample("m", 1))
	_, _ = store.Append("m", sample("m", 2))
	before := store.Snapshot("m").Fingerprint()

	// тот же размер окна и та же метка времени, но другой seq
	_, err := store.Append("m", sample("m", 2))
	require.NoError(t, err)
	after := store.Snapshot("m").Fingerprint()

	assert.NotEqual(t, before, after)
	assert.Equal(t, after, store.Snapshot("m").Fingerprint())
}

func TestStore_ConcurrentAppends(t *testing.T) {
	const (
		machines  = 8
		perWriter = 200
		capacity  = 50
	)
	store := NewStore(capacity)

	var wg sync.WaitGroup
	for m := 0; m < machines; m++ {
		id := fmt.Sprintf("machine-%d", m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= perWriter; i++ {
				_, err := store.Append(id, sample(id, i))
				assert.NoError(t, err)
			}
		}()
		// параллельные читатели того же окна
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				snap := store.Snapshot(id)
				for j := 1; j < len(snap.Samples); j++ {
					assert.False(t, snap.Samples[j].Timestamp.Before(snap.Samples[j-1].Timestamp))
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, store.ListMachines(), machines)
	for _, id := range store.ListMachines() {
		snap := store.Snapshot(id)
		require.Len(t, snap.Samples, capacity)
		assert.Equal(t, float64(perWriter), snap.Samples[capacity-1].Temperature)
		assert.Equal(t, uint64(perWriter), snap.Seq)
	}

	stats := store.GetStats()
	assert.Equal(t, machines, stats["machines_tracked"])
	assert.Equal(t, machines*capacity, stats["samples_held"])
}

func TestStore_AppendFuncRunsInWindowOrder(t *testing.T) {
	store := NewStore(100)

	var (
		mu      sync.Mutex
		order   []float64
		wg      sync.WaitGroup
		started = make(chan struct{})
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-started
			for i := 0; i < 25; i++ {
				s := sample("m", 0)
				s.Temperature = float64(g*25 + i)
				_, err := store.AppendFunc("m", s, func(uint64) {
					mu.Lock()
					order = append(order, s.Temperature)
					mu.Unlock()
				})
				assert.NoError(t, err)
			}
		}(g)
	}
	close(started)
	wg.Wait()

	snap := store.Snapshot("m")
	require.Len(t, snap.Samples, 100)
	require.Len(t, order, 100)
	for i, s := range snap.Samples {
		assert.Equal(t, s.Temperature, order[i])
	}

	// отклоненный сэмпл не вызывает then
	called := false
	old := sample("m", -1)
	_, err := store.AppendFunc("m", old, func(uint64) { called = true })
	assert.True(t, errors.Is(err, models.ErrOutOfOrder))
	assert.False(t, called)
}
