package collector

import "sync"

// Signal сигнал жизненного цикла страницы или активности пользователя
type Signal int

const (
	SignalActivity Signal = iota // движение указателя, клавиша, прокрутка, клик
	SignalVisibilityHidden
	SignalVisibilityVisible
	SignalUnload
)

func (s Signal) String() string {
	switch s {
	case SignalActivity:
		return "activity"
	case SignalVisibilityHidden:
		return "visibility_hidden"
	case SignalVisibilityVisible:
		return "visibility_visible"
	case SignalUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// SignalBus явный список подписчиков с отпиской
type SignalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Signal)
}

func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[int]func(Signal))}
}

// Subscribe регистрирует обработчик и возвращает функцию отписки
func (b *SignalBus) Subscribe(fn func(Signal)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

// Emit синхронно вызывает всех подписчиков вне блокировки
func (b *SignalBus) Emit(s Signal) {
	b.mu.Lock()
	handlers := make([]func(Signal), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (b *SignalBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
