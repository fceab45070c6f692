package detections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var ErrPoolClosed = errors.New("session pool is closed")

// SessionFactory creates one session of the pooled model.
type SessionFactory func() (InferenceSession, error)

// SessionPool hands out sessions of a single model so inference can run
// concurrently up to the pool size.
type SessionPool struct {
	sessions   chan InferenceSession
	size       int
	factory    SessionFactory
	mu         sync.Mutex
	live       int // sessions created and not yet destroyed, guarded by mu
	closed     bool
	stop       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	Discarded       int64
	WaitTime        time.Duration
}

// PoolSnapshot is a copy of the pool counters.
type PoolSnapshot struct {
	Size            int
	Live            int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	Discarded       int64
	WaitTime        time.Duration
}

func NewSessionPool(factory SessionFactory, size int) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions: make(chan InferenceSession, size),
		size:     size,
		factory:  factory,
		stop:     make(chan struct{}),
		metrics:  &PoolMetrics{},
	}

	// Initialize sessions
	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool) Acquire(ctx context.Context) (InferenceSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool. A broken session is destroyed and
// later replaced by the health check.
func (p *SessionPool) Release(session InferenceSession, broken bool) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	if broken {
		p.metrics.Discarded++
	}
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || broken {
		p.discardLocked(session)
		return
	}
	p.offerLocked(session)
}

// offerLocked puts a session back without blocking. live never exceeds the
// channel capacity, so the default branch only guards against misuse such as
// releasing a session twice.
func (p *SessionPool) offerLocked(session InferenceSession) {
	select {
	case p.sessions <- session:
	default:
		p.discardLocked(session)
	}
}

func (p *SessionPool) discardLocked(session InferenceSession) {
	p.live--
	session.Destroy()
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		p.discardLocked(session)
	}
}

func (p *SessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions discarded since the last check. Each slot is
// reserved in live before the factory runs, so concurrent calls never
// overfill the pool.
func (p *SessionPool) replenish() {
	for {
		p.mu.Lock()
		if p.closed || p.live >= p.size {
			p.mu.Unlock()
			return
		}
		p.live++
		p.mu.Unlock()

		session, err := p.factory()

		p.mu.Lock()
		if err != nil {
			p.live--
			p.mu.Unlock()
			p.recordError(err)
			return
		}
		if p.closed {
			p.discardLocked(session)
			p.mu.Unlock()
			return
		}
		p.offerLocked(session)
		p.mu.Unlock()
	}
}

// Live reports how many sessions exist, idle or checked out.
func (p *SessionPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) GetMetrics() PoolSnapshot {
	live := p.Live()
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolSnapshot{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.InUse,
		TotalAcquired:   p.metrics.TotalAcquired,
		TotalReleased:   p.metrics.TotalReleased,
		AcquireFailures: p.metrics.AcquireFailures,
		Discarded:       p.metrics.Discarded,
		WaitTime:        p.metrics.WaitTime,
	}
}
