package session

import (
	"context"
	"sync"
)

// WriteOnce is a single-assignment cell. The first Set wins; later Sets are
// ignored. The zero value is ready to use.
type WriteOnce[T any] struct {
	mu    sync.Mutex
	ready chan struct{}
	val   T
	set   bool
}

func (w *WriteOnce[T]) readyLocked() chan struct{} {
	if w.ready == nil {
		w.ready = make(chan struct{})
	}
	return w.ready
}

// Set stores v if the cell is empty and reports whether it did.
func (w *WriteOnce[T]) Set(v T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.set {
		return false
	}
	w.val = v
	w.set = true
	close(w.readyLocked())
	return true
}

// Get polls the cell.
func (w *WriteOnce[T]) Get() (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.val, w.set
}

// Done is closed once a value is set.
func (w *WriteOnce[T]) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readyLocked()
}

// Wait blocks until a value is set or ctx ends.
func (w *WriteOnce[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-w.Done():
		v, _ := w.Get()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
