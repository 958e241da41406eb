// Package scheduler implements the OB scheduler: pops the next
// ObservingBlock from an ordered queue, or reports exhaustion via
// ErrExhausted (classified by the caller as a fault.SchedulingFault).
package scheduler

import (
	"errors"
	"sync"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
)

// ErrExhausted is returned by Select when no OB remains.
var ErrExhausted = errors.New("scheduler: queue exhausted")

// Scheduler produces the next Block to execute. The policy is strictly
// FIFO; it is single-threaded relative to the machine — callers never
// invoke Select concurrently with itself, but the mutex here costs
// nothing and avoids a footgun if that assumption ever lapses.
type Scheduler struct {
	mu    sync.Mutex
	queue []ob.Block
}

// New builds a Scheduler over the given initial OB sequence. The
// scheduler never mutates the blocks it is given.
func New(blocks []ob.Block) *Scheduler {
	cp := make([]ob.Block, len(blocks))
	copy(cp, blocks)
	return &Scheduler{queue: cp}
}

// Select pops and returns the next Block, or ErrExhausted if the queue
// is empty.
func (s *Scheduler) Select() (ob.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return ob.Block{}, ErrExhausted
	}
	b := s.queue[0]
	s.queue = s.queue[1:]
	return b, nil
}

// Remaining returns the number of OBs still queued.
func (s *Scheduler) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
