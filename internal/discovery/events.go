package discovery

import "sync"

type listener[T any] struct {
	id uint64
	fn func(T)
}

// listeners is a subscriber list. Subscribing is safe from any goroutine;
// emit is only called from the control loop.
type listeners[T any] struct {
	mutex   sync.Mutex
	nextID  uint64
	entries []listener[T]
}

// add registers fn and returns a func that removes it again
func (l *listeners[T]) add(fn func(T)) func() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listener[T]{id: id, fn: fn})

	return func() {
		l.mutex.Lock()
		defer l.mutex.Unlock()
		for i, entry := range l.entries {
			if entry.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners[T]) emit(value T) {
	l.mutex.Lock()
	snapshot := make([]listener[T], len(l.entries))
	copy(snapshot, l.entries)
	l.mutex.Unlock()

	for _, entry := range snapshot {
		entry.fn(value)
	}
}

func (l *listeners[T]) clear() {
	l.mutex.Lock()
	l.entries = nil
	l.mutex.Unlock()
}
