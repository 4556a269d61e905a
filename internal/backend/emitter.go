package backend

import "sync"

// Emitter fans auth events out to registered listeners. The zero value is ready to use.
type Emitter struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(AuthEvent)
}

// Subscribe registers fn and returns its unsubscribe func.
func (e *Emitter) Subscribe(fn func(AuthEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]func(AuthEvent))
	}
	id := e.next
	e.next++
	e.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Emit calls every listener with ev. Listeners run outside the lock.
func (e *Emitter) Emit(ev AuthEvent) {
	e.mu.Lock()
	fns := make([]func(AuthEvent), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of listeners.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
