package aggregate

import "sync"

// watermark tracks the highest sequence number such that every event at or
// below it has been applied.
type watermark struct {
	mu      sync.Mutex
	applied uint64
	pending map[uint64]struct{}
}

func newWatermark() *watermark {
	return &watermark{pending: make(map[uint64]struct{})}
}

func (w *watermark) mark(seq uint64) {
	if seq == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.applied {
		return
	}
	w.pending[seq] = struct{}{}
	for {
		next := w.applied + 1
		if _, ok := w.pending[next]; !ok {
			return
		}
		delete(w.pending, next)
		w.applied = next
	}
}

func (w *watermark) get() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}

// set moves the watermark forward to seq, dropping pending marks below it.
func (w *watermark) set(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.applied {
		return
	}
	w.applied = seq
	for s := range w.pending {
		if s <= seq {
			delete(w.pending, s)
		}
	}
	for {
		next := w.applied + 1
		if _, ok := w.pending[next]; !ok {
			return
		}
		delete(w.pending, next)
		w.applied = next
	}
}

// reset replaces the watermark, used when restoring a checkpoint.
func (w *watermark) reset(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applied = seq
	w.pending = make(map[uint64]struct{})
}
