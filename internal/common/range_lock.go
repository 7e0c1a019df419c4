package common

import (
	"context"
	"sync"
	"time"
)

// RangeLock serializes work on overlapping half-open time intervals.
// Holders of disjoint intervals proceed concurrently.
type RangeLock struct {
	mu     sync.Mutex
	held   map[uint64]heldRange
	nextID uint64
	notify chan struct{}
}

type heldRange struct {
	start time.Time
	end   time.Time
}

// NewRangeLock creates an empty range lock
func NewRangeLock() *RangeLock {
	return &RangeLock{
		held:   make(map[uint64]heldRange),
		notify: make(chan struct{}),
	}
}

// Lock blocks until [start, end) does not overlap any held interval, then holds it.
// The returned function releases the interval.
func (l *RangeLock) Lock(ctx context.Context, start, end time.Time) (func(), error) {
	for {
		l.mu.Lock()
		conflict := false
		for _, r := range l.held {
			if Overlaps(start, end, r.start, r.end) {
				conflict = true
				break
			}
		}
		if !conflict {
			id := l.nextID
			l.nextID++
			l.held[id] = heldRange{start: start, end: end}
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() { l.release(id) })
			}, nil
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *RangeLock) release(id uint64) {
	l.mu.Lock()
	delete(l.held, id)
	// Wake every waiter; each re-checks its own interval
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
}

// Held returns the number of intervals currently held
func (l *RangeLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
