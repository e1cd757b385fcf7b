package relay

import "sync"

// Waker lets request awaiters sleep until the store reports that their
// pending record completed, instead of relying on the polling interval
// alone.
type Waker struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewWaker creates an empty waker.
func NewWaker() *Waker {
	return &Waker{waiters: make(map[string]chan struct{})}
}

// Register returns a channel closed when Wake is called for the request id.
// callers must pair every Register with a Cancel.
func (w *Waker) Register(requestID string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.waiters[requestID]
	if !ok {
		ch = make(chan struct{})
		w.waiters[requestID] = ch
	}
	return ch
}

// Wake releases the awaiter for the request id, if any. waking an
// unregistered id is a no-op.
func (w *Waker) Wake(requestID string) {
	w.mu.Lock()
	ch, ok := w.waiters[requestID]
	if ok {
		delete(w.waiters, requestID)
	}
	w.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Cancel drops the waiter for the request id without waking it.
func (w *Waker) Cancel(requestID string) {
	w.mu.Lock()
	delete(w.waiters, requestID)
	w.mu.Unlock()
}
