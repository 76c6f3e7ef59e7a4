package window

import (
	"fmt"
	"sync"
	"time"

	"machine-monitor/internal/models"
)

// MachineWindow кольцевой буфер последних сэмплов одной машины
type MachineWindow struct {
	machineID string
	samples   []models.MetricSample
	head      int // индекс самого старого сэмпла
	size      int
	seq       uint64 // сколько сэмплов было добавлено за все время
	latest    time.Time
	mu        sync.RWMutex
}

// Snapshot неизменяемая копия окна на момент чтения
type Snapshot struct {
	MachineID string
	Samples   []models.MetricSample
	Seq       uint64
}

// Fingerprint дешевый отпечаток состояния окна. Меняется при каждом append.
func (s Snapshot) Fingerprint() string {
	if len(s.Samples) == 0 {
		return fmt.Sprintf("%d/%d/-", len(s.Samples), s.Seq)
	}
	return fmt.Sprintf("%d/%d/%d", len(s.Samples), s.Seq, s.Samples[len(s.Samples)-1].Timestamp.UnixNano())
}

// Latest возвращает последний сэмпл окна
func (s Snapshot) Latest() (models.MetricSample, bool) {
	if len(s.Samples) == 0 {
		return models.MetricSample{}, false
	}
	return s.Samples[len(s.Samples)-1], true
}

// Store хранилище окон, ключ machine_id.
// Внешний мьютекс защищает только карту, каждое окно блокируется отдельно.
type Store struct {
	windows  map[string]*MachineWindow
	order    []string
	capacity int
	mu       sync.RWMutex
}

// NewStore создает хранилище с емкостью окна capacity
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{
		windows:  make(map[string]*MachineWindow),
		capacity: capacity,
	}
}

// Register создает пустое окно для машины, если его еще нет
func (s *Store) Register(machineID string) {
	s.getOrCreate(machineID)
}

func (s *Store) getOrCreate(machineID string) *MachineWindow {
	s.mu.RLock()
	w, ok := s.windows[machineID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[machineID]; ok {
		return w
	}
	w = &MachineWindow{
		machineID: machineID,
		samples:   make([]models.MetricSample, s.capacity),
	}
	s.windows[machineID] = w
	s.order = append(s.order, machineID)
	return w
}

func (s *Store) lookup(machineID string) (*MachineWindow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[machineID]
	return w, ok
}

// Append добавляет сэмпл в окно машины, при переполнении вытесняет самый старый.
// Возвращает порядковый номер сэмпла в потоке машины.
func (s *Store) Append(machineID string, sample models.MetricSample) (uint64, error) {
	return s.AppendFunc(machineID, sample, nil)
}

// AppendFunc как Append, но после успешной записи вызывает then под блокировкой окна.
// Вызовы then для одной машины идут в том же порядке, что и сэмплы в окне;
// then не должен блокироваться и обращаться к этому окну.
func (s *Store) AppendFunc(machineID string, sample models.MetricSample, then func(seq uint64)) (uint64, error) {
	if sample.MachineID != machineID {
		return 0, fmt.Errorf("%w: sample belongs to %q, not %q", models.ErrInvalidSample, sample.MachineID, machineID)
	}
	w := s.getOrCreate(machineID)
	return w.append(sample, then)
}

func (w *MachineWindow) append(sample models.MetricSample, then func(seq uint64)) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && sample.Timestamp.Before(w.latest) {
		return 0, fmt.Errorf("%w: %s < %s", models.ErrOutOfOrder,
			sample.Timestamp.Format(time.RFC3339Nano), w.latest.Format(time.RFC3339Nano))
	}

	capacity := len(w.samples)
	if w.size < capacity {
		w.samples[(w.head+w.size)%capacity] = sample
		w.size++
	} else {
		// окно заполнено: пишем поверх самого старого
		w.samples[w.head] = sample
		w.head = (w.head + 1) % capacity
	}
	w.latest = sample.Timestamp
	w.seq++
	if then != nil {
		then(w.seq)
	}
	return w.seq, nil
}

func (w *MachineWindow) snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]models.MetricSample, w.size)
	capacity := len(w.samples)
	for i := 0; i < w.size; i++ {
		out[i] = w.samples[(w.head+i)%capacity]
	}
	return Snapshot{MachineID: w.machineID, Samples: out, Seq: w.seq}
}

// Snapshot возвращает копию окна. Для неизвестной машины пустой снапшот, не ошибка.
func (s *Store) Snapshot(machineID string) Snapshot {
	snap, _ := s.Lookup(machineID)
	return snap
}

// Lookup как Snapshot, но сообщает, известна ли машина
func (s *Store) Lookup(machineID string) (Snapshot, bool) {
	w, ok := s.lookup(machineID)
	if !ok {
		return Snapshot{MachineID: machineID}, false
	}
	return w.snapshot(), true
}

// Has сообщает, известна ли машина
func (s *Store) Has(machineID string) bool {
	_, ok := s.lookup(machineID)
	return ok
}

// ListMachines возвращает machine_id в порядке обнаружения
func (s *Store) ListMachines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// GetStats возвращает статистику хранилища
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	windows := make([]*MachineWindow, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.mu.RUnlock()

	total := 0
	for _, w := range windows {
		w.mu.RLock()
		total += w.size
		w.mu.RUnlock()
	}

	return map[string]interface{}{
		"machines_tracked": len(windows),
		"window_size":      s.capacity,
		"samples_held":     total,
	}
}
