package service

import (
	"context"
	"sync"
)

// Gate is the counting signal between the dispatcher (producer) and
// the import worker (consumer). Its count mirrors the number of
// not-yet-started jobs in the queue store: the constructor seeds it
// with the persisted backlog so jobs queued before a restart wake the
// worker without any external signal.
type Gate struct {
	mu     sync.Mutex
	count  int
	wakeup chan struct{}
}

func NewGate(initial int) *Gate {
	if initial < 0 {
		initial = 0
	}
	return &Gate{
		count:  initial,
		wakeup: make(chan struct{}, 1),
	}
}

// Release adds one token, waking a waiting Acquire if any.
func (g *Gate) Release() {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()

	select {
	case g.wakeup <- struct{}{}:
	default:
	}
}

// Acquire blocks until a token is available or ctx is done. The token
// is consumed before the caller dequeues, so count always equals the
// queued-but-unstarted backlog.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.count > 0 {
			g.count--
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.wakeup:
		}
	}
}

// Len returns the current token count.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
