// Package notify holds the ordered listener registry shared by the realtime
// components.
package notify

import "sync"

type entry[T any] struct {
	id uint64
	fn T
}

// List is an ordered set of listeners. The zero value is ready to use.
type List[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []entry[T]
}

// Add registers fn and returns a func that removes exactly this registration.
// The returned func is safe to call more than once.
func (l *List[T]) Add(fn T) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Snapshot returns the listeners in registration order.
func (l *List[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.fn)
	}
	return out
}

// Len reports the number of registered listeners.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops every listener.
func (l *List[T]) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
