package alerting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/models"
)

// Notifier delivers one event to an external system.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, evt models.AlertEvent) error
}

// DeliveryObserver sees the outcome of every delivery attempt.
type DeliveryObserver func(notifier string, err error)

type DispatchConfig struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		QueueSize: 256,
		Workers:   2,
		Timeout:   100 * time.Millisecond,
	}
}

// Dispatcher queues events and delivers them off the request path. Delivery
// failures are logged and counted, never returned to the caller.
type Dispatcher struct {
	cfg       DispatchConfig
	notifiers []Notifier
	queue     chan models.AlertEvent
	observer  DeliveryObserver

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewDispatcher(cfg DispatchConfig, observer DeliveryObserver, notifiers ...Notifier) *Dispatcher {
	def := DefaultDispatchConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Dispatcher{
		cfg:       cfg,
		notifiers: notifiers,
		queue:     make(chan models.AlertEvent, cfg.QueueSize),
		observer:  observer,
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go d.worker()
	}
}

// Submit enqueues evt without blocking. It reports false when the queue is
// full or the dispatcher is stopped.
func (d *Dispatcher) Submit(evt models.AlertEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- evt:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Stop closes the queue and waits for queued events to be attempted, or
// until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for evt := range d.queue {
		for _, n := range d.notifiers {
			d.deliver(n, evt)
		}
	}
}

func (d *Dispatcher) deliver(n Notifier, evt models.AlertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	err := n.Notify(ctx, evt)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", models.ErrSinkUnavailable, n.Name(), err)
		d.failed.Add(1)
		logger.For("alerting").WithError(err).WithField("category", evt.Category).Debug("alert delivery failed")
	}
	if d.observer != nil {
		d.observer(n.Name(), err)
	}
}
