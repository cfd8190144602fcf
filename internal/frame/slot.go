package frame

import (
	"context"
	"sync"
	"sync/atomic"
)

// Slot is a single-frame mailbox. A new frame replaces any frame that has not
// been taken yet, so a consumer only ever sees the most recent frame and never
// an older one after a newer one.
type Slot struct {
	mu      sync.Mutex
	ch      chan *Frame
	dropped atomic.Int64
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{ch: make(chan *Frame, 1)}
}

// Put stores f without blocking. A displaced, unconsumed frame is closed.
// Returns true if a frame was displaced.
func (s *Slot) Put(f *Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	displaced := false
	select {
	case old := <-s.ch:
		old.Close()
		s.dropped.Add(1)
		displaced = true
	default:
	}
	s.ch <- f
	return displaced
}

// Take blocks until a frame is available or ctx is done.
func (s *Slot) Take(ctx context.Context) (*Frame, error) {
	select {
	case f := <-s.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryTake returns the pending frame, if any.
func (s *Slot) TryTake() (*Frame, bool) {
	select {
	case f := <-s.ch:
		return f, true
	default:
		return nil, false
	}
}

// Dropped returns how many frames were overwritten before being consumed.
func (s *Slot) Dropped() int64 {
	return s.dropped.Load()
}

// Drain closes any pending frame.
func (s *Slot) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case old := <-s.ch:
		old.Close()
	default:
	}
}
