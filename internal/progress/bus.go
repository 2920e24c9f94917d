package progress

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Listener receives every published event.
type Listener func(Event)

// Publisher is the side of the bus used by producers.
type Publisher interface {
	Publish(Event)
}

type subscription struct {
	id       uint64
	listener Listener
}

// Bus is a synchronous broadcast channel. Events are delivered one at a
// time, in publish order, to listeners in subscription order. A listener
// that panics is logged and skipped; delivery continues.
//
// Listeners must not publish on the bus they are subscribed to.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	deliverMu sync.Mutex
	logger    *slog.Logger
}

// NewBus creates a bus. A nil logger means slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a listener and returns a function that removes it.
func (b *Bus) Subscribe(listener Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, listener: listener})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every current listener.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	for _, sub := range subs {
		b.safeCall(sub.listener, e)
	}
}

func (b *Bus) safeCall(listener Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Progress listener panicked",
				"event", e.Type,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	listener(e)
}

// Len returns the number of listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Clear removes every listener.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
