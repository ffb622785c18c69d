package event

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/maniartech/signals"
)

type Handler func(Event)

// Bus fans events out to subscribers by type. Publish returns once every
// listener registered for the type has run.
type Bus struct {
	mu      sync.RWMutex
	signals map[string]signals.Signal[Event]
	nextKey atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		signals: make(map[string]signals.Signal[Event]),
	}
}

func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.signals[eventType]; !exists {
		b.signals[eventType] = signals.New[Event]()
	}

	key := eventType + "#" + strconv.FormatUint(b.nextKey.Add(1), 10)

	b.signals[eventType].AddListener(func(_ context.Context, evt Event) {
		handler(evt)
	}, key)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if signal, exists := b.signals[eventType]; exists {
				signal.RemoveListener(key)
			}
		})
	}
}

func (b *Bus) SubscribeMultiple(eventTypes []string, handler Handler) []func() {
	unsubs := make([]func(), 0, len(eventTypes))

	for _, eventType := range eventTypes {
		unsubs = append(unsubs, b.Subscribe(eventType, handler))
	}

	return unsubs
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	signal, exists := b.signals[evt.Type]
	b.mu.RUnlock()

	if !exists {
		return
	}

	// Emitting on evt.Ctx would drop events published during shutdown.
	signal.Emit(context.Background(), evt)
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, signal := range b.signals {
		signal.Reset()
	}
	b.signals = make(map[string]signals.Signal[Event])
}
