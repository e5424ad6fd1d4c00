package memory

import (
	"sort"
	"sync"

	"github.com/labrise/ims/internal/domain"
)

// timelineRepositoryInMemory хранит таймлайны заказов в памяти.
type timelineRepositoryInMemory struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{byOrder: make(map[string][]domain.TimelineEvent)}
}

func (r *timelineRepositoryInMemory) Append(event domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeline := append(r.byOrder[event.OrderID], event)

	// Обычно события приходят в хронологическом порядке; сортируем только
	// при нарушении. SliceStable сохраняет порядок вставки при равных
	// occurred.
	if n := len(timeline); n > 1 && timeline[n-1].Occurred.Before(timeline[n-2].Occurred) {
		sort.SliceStable(timeline, func(i, j int) bool {
			return timeline[i].Occurred.Before(timeline[j].Occurred)
		})
	}

	r.byOrder[event.OrderID] = timeline
	return nil
}

// List возвращает копию таймлайна заказа в хронологическом порядке.
func (r *timelineRepositoryInMemory) List(orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.TimelineEvent(nil), r.byOrder[orderID]...), nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
