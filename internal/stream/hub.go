package stream

import (
	"sync"

	"machine-monitor/internal/metrics"
	"machine-monitor/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBuffer емкость очереди подписчика по умолчанию
const DefaultBuffer = 32

// Subscription подписка на события одной машины
type Subscription struct {
	ID        string
	MachineID string

	events chan models.Event
	hub    *Hub
}

// Events канал событий. Закрывается при отписке.
func (s *Subscription) Events() <-chan models.Event {
	return s.events
}

// Close отписывает подписчика. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// Hub раздает события подписчикам по machine_id.
// Publish никогда не блокируется: у каждого подписчика ограниченная очередь,
// при переполнении вытесняется самое старое событие.
type Hub struct {
	topics  map[string]map[string]*Subscription
	buffer  int
	logger  *zap.Logger
	stopped bool
	mu      sync.RWMutex
}

// NewHub создает hub с очередью buffer событий на подписчика
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]map[string]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe регистрирует нового подписчика машины
func (h *Hub) Subscribe(machineID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		MachineID: machineID,
		events:    make(chan models.Event, h.buffer),
		hub:       h,
	}

	h.mu.Lock()
	if h.stopped {
		// подписка после Stop сразу закрыта
		h.mu.Unlock()
		close(sub.events)
		return sub
	}
	topic, ok := h.topics[machineID]
	if !ok {
		topic = make(map[string]*Subscription)
		h.topics[machineID] = topic
	}
	topic[sub.ID] = sub
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	h.logger.Debug("subscriber connected",
		zap.String("machine_id", machineID),
		zap.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe удаляет подписчика и закрывает его канал
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic, ok := h.topics[sub.MachineID]
	if !ok {
		return
	}
	if _, ok := topic[sub.ID]; !ok {
		return
	}
	delete(topic, sub.ID)
	if len(topic) == 0 {
		delete(h.topics, sub.MachineID)
	}
	// отправки идут под RLock, поэтому закрывать канал под Lock безопасно
	close(sub.events)

	metrics.Subscribers.Dec()
	h.logger.Debug("subscriber disconnected",
		zap.String("machine_id", sub.MachineID),
		zap.String("subscriber_id", sub.ID))
}

// Publish отправляет событие всем подписчикам машины ev.MachineID.
// Возвращает число подписчиков, получивших событие без вытеснения.
func (h *Hub) Publish(ev models.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.topics[ev.MachineID] {
		if deliver(sub.events, ev) {
			delivered++
		}
	}
	return delivered
}

// deliver неблокирующая отправка с вытеснением самого старого события
func deliver(ch chan models.Event, ev models.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}

	select {
	case old := <-ch:
		metrics.EventsDropped.WithLabelValues(old.Type).Inc()
	default:
	}

	select {
	case ch <- ev:
	default:
		// очередь снова заполнили параллельные издатели
		metrics.EventsDropped.WithLabelValues(ev.Type).Inc()
	}
	return false
}

// HasSubscribers есть ли подписчики у машины
func (h *Hub) HasSubscribers(machineID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[machineID]) > 0
}

// GetClientCount общее число подписчиков
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, topic := range h.topics {
		n += len(topic)
	}
	return n
}

// Stop закрывает все подписки
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for machineID, topic := range h.topics {
		for id, sub := range topic {
			close(sub.events)
			delete(topic, id)
			metrics.Subscribers.Dec()
		}
		delete(h.topics, machineID)
	}
}
