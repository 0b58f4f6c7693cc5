package collector

// DefaultSentSetCapacity ёмкость множества отправленных ID
const DefaultSentSetCapacity = 1000

// SentSet ограниченное множество уже доставленных ID событий.
// При переполнении вытесняется старшая половина. Это оптимизация, а не гарантия:
// повторы окончательно отсекает журнал на сервере.
// Не потокобезопасен, владелец (очередь) синхронизирует доступ сам.
type SentSet struct {
	capacity int
	order    []string
	index    map[string]struct{}
}

func NewSentSet(capacity int) *SentSet {
	if capacity <= 0 {
		capacity = DefaultSentSetCapacity
	}
	return &SentSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		index:    make(map[string]struct{}, capacity),
	}
}

func (s *SentSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *SentSet) Add(id string) {
	if s.Contains(id) {
		return
	}
	s.order = append(s.order, id)
	s.index[id] = struct{}{}

	if len(s.order) > s.capacity {
		s.evictOldestHalf()
	}
}

func (s *SentSet) Len() int {
	return len(s.order)
}

func (s *SentSet) evictOldestHalf() {
	cut := len(s.order) / 2
	for _, id := range s.order[:cut] {
		delete(s.index, id)
	}
	kept := make([]string, len(s.order)-cut, s.capacity)
	copy(kept, s.order[cut:])
	s.order = kept
}
