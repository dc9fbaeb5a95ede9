package comm

import (
	"context"
	"fmt"
	"sync"
)

// Exchange is a rendezvous table shared by the ranks of one or more groups.
// Each slot is identified by a key, filled by a fixed number of contributors
// and drained by a fixed number of readers, after which it is deleted. A
// slot is also deleted when a reader gives up before it fills or when a
// contribution conflicts with it; its remaining waiters get ErrAbandoned.
type Exchange struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	op      string
	parts   [][]byte
	filled  int
	readers int
	full    chan struct{}
	dead    chan struct{} // closed by abandon, never together with full
	err     error
}

func NewExchange() *Exchange {
	return &Exchange{slots: make(map[string]*slot)}
}

// lookup returns the slot for key, creating it on first touch. Every touch
// must agree on op and size; a conflicting touch abandons the slot.
func (x *Exchange) lookup(key, op string, size, readers int) (*slot, error) {
	s, ok := x.slots[key]
	if !ok {
		s = &slot{
			op:      op,
			parts:   make([][]byte, size),
			readers: readers,
			full:    make(chan struct{}),
			dead:    make(chan struct{}),
		}
		x.slots[key] = s
		return s, nil
	}
	if s.op != op || len(s.parts) != size {
		err := fmt.Errorf("%w: %s expects %s over %d ranks, got %s over %d",
			ErrCollectiveMismatch, key, s.op, len(s.parts), op, size)
		x.abandon(key, s, err)
		return nil, err
	}
	return s, nil
}

// abandon removes s from the table and wakes its waiters with cause. A full
// slot keeps serving the readers that already hold it. Callers hold x.mu.
func (x *Exchange) abandon(key string, s *slot, cause error) {
	if x.slots[key] == s {
		delete(x.slots, key)
	}
	if s.err != nil || s.filled == len(s.parts) {
		return
	}
	s.err = fmt.Errorf("%w: %w", ErrAbandoned, cause)
	close(s.dead)
}

// drain counts one reader out of s. Callers hold x.mu.
func (x *Exchange) drain(key string, s *slot) {
	s.readers--
	if s.readers <= 0 && x.slots[key] == s {
		delete(x.slots, key)
	}
}

// Contribute stores buf as part index of the slot. The buffer is copied.
func (x *Exchange) Contribute(key, op string, index, size, readers int, buf []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if index < 0 || index >= size {
		return fmt.Errorf("%w: part %d of %d", ErrInvalidRank, index, size)
	}
	s, err := x.lookup(key, op, size, readers)
	if err != nil {
		return err
	}
	if s.parts[index] != nil {
		err := fmt.Errorf("%w: %s part %d contributed twice", ErrCollectiveMismatch, key, index)
		x.abandon(key, s, err)
		return err
	}
	part := make([]byte, len(buf))
	copy(part, buf)
	s.parts[index] = part
	s.filled++
	if s.filled == size {
		close(s.full)
	}
	return nil
}

// Collect blocks until every part of the slot has been contributed and
// returns the parts in index order.
func (x *Exchange) Collect(ctx context.Context, key, op string, size, readers int) ([][]byte, error) {
	x.mu.Lock()
	s, err := x.lookup(key, op, size, readers)
	x.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-s.full:
	case <-s.dead:
		return nil, s.err
	case <-ctx.Done():
		x.mu.Lock()
		defer x.mu.Unlock()
		if s.filled == len(s.parts) {
			x.drain(key, s)
		} else {
			x.abandon(key, s, ctx.Err())
		}
		return nil, ctx.Err()
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.drain(key, s)
	return s.parts, nil
}

// Pending returns the number of slots not yet drained.
func (x *Exchange) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.slots)
}
