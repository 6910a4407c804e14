package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQueueTimeout is returned when a waiter is not admitted within the
// queue timeout.
var ErrQueueTimeout = errors.New("queue timeout")

const (
	DefaultQueueTimeout  = 30 * time.Second
	DefaultMinConcurrent = 3
	DefaultPerKey        = 3
)

// QueueOptions configures a QueueManager. Zero values select the defaults.
type QueueOptions struct {
	Timeout       time.Duration
	MinConcurrent int
	PerKey        int
	// KeyCount reports how many credentials back a provider. The provider's
	// limit is max(MinConcurrent, KeyCount*PerKey), fixed when its queue is
	// first created.
	KeyCount func(provider string) int
	Now      func() time.Time
}

// QueueManager is a per-provider FIFO admission semaphore.
type QueueManager struct {
	mu     sync.Mutex
	queues map[string]*providerQueue
	opts   QueueOptions
}

type providerQueue struct {
	active  int
	max     int
	waiting []*waiter
}

type waiter struct {
	enqueued time.Time
	done     chan struct{}
	// set under QueueManager.mu before done is closed
	granted bool
	err     error
}

func NewQueueManager(opts QueueOptions) *QueueManager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultQueueTimeout
	}
	if opts.MinConcurrent <= 0 {
		opts.MinConcurrent = DefaultMinConcurrent
	}
	if opts.PerKey <= 0 {
		opts.PerKey = DefaultPerKey
	}
	if opts.KeyCount == nil {
		opts.KeyCount = func(string) int { return 0 }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &QueueManager{queues: make(map[string]*providerQueue), opts: opts}
}

func (m *QueueManager) queueLocked(provider string) *providerQueue {
	q, ok := m.queues[provider]
	if !ok {
		q = &providerQueue{max: max(m.opts.MinConcurrent, m.opts.KeyCount(provider)*m.opts.PerKey)}
		m.queues[provider] = q
	}
	return q
}

// Acquire admits the caller to provider immediately when a slot is free, or
// waits in FIFO order. The wait is bounded by the queue timeout and by ctx.
// The returned release must be called once the slot is no longer needed; extra
// calls are ignored.
func (m *QueueManager) Acquire(ctx context.Context, provider string) (release func(), err error) {
	m.mu.Lock()
	q := m.queueLocked(provider)
	if q.active < q.max && len(q.waiting) == 0 {
		q.active++
		m.mu.Unlock()
		return m.releaser(provider), nil
	}
	w := &waiter{enqueued: m.opts.Now(), done: make(chan struct{})}
	q.waiting = append(q.waiting, w)
	m.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	select {
	case <-w.done:
	case <-waitCtx.Done():
		m.mu.Lock()
		settled := w.granted || w.err != nil
		if !settled {
			q.remove(w)
		}
		m.mu.Unlock()
		if !settled {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: waited %s for %s slot", ErrQueueTimeout, m.opts.Timeout, provider)
		}
	}

	if w.err != nil {
		return nil, w.err
	}
	rel := m.releaser(provider)
	if ctx.Err() != nil {
		rel()
		return nil, ctx.Err()
	}
	return rel, nil
}

func (m *QueueManager) releaser(provider string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(provider) })
	}
}

func (m *QueueManager) release(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queueLocked(provider)
	if q.active > 0 {
		q.active--
	}
	now := m.opts.Now()
	for len(q.waiting) > 0 && q.active < q.max {
		w := q.waiting[0]
		q.waiting = q.waiting[1:]
		if now.Sub(w.enqueued) >= m.opts.Timeout {
			w.err = fmt.Errorf("%w: waited %s for %s slot", ErrQueueTimeout, now.Sub(w.enqueued), provider)
			close(w.done)
			continue
		}
		q.active++
		w.granted = true
		close(w.done)
	}
}

func (q *providerQueue) remove(w *waiter) {
	for i, cur := range q.waiting {
		if cur == w {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// QueueStatus is a point-in-time view of one provider queue.
type QueueStatus struct {
	Active  int `json:"active"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
}

// Snapshot reports every provider queue created so far.
func (m *QueueManager) Snapshot() map[string]QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]QueueStatus, len(m.queues))
	for p, q := range m.queues {
		out[p] = QueueStatus{Active: q.active, Waiting: len(q.waiting), Max: q.max}
	}
	return out
}
