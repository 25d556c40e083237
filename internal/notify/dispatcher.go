package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"clientportal/internal/obs"
)

var (
	ErrQueueFull        = errors.New("mail queue full")
	ErrDispatcherClosed = errors.New("mail dispatcher closed")
)

type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

// Dispatcher delivers mails on background workers so callers never wait on a
// transport. Messages that do not fit in the queue are dropped and logged.
type Dispatcher struct {
	cfg     DispatcherConfig
	next    Sender
	metrics *obs.Metrics

	mu      sync.RWMutex
	closed  bool
	ch      chan Message
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

func NewDispatcher(cfg DispatcherConfig, next Sender, metrics *obs.Metrics) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	d := &Dispatcher{
		cfg:     cfg,
		next:    next,
		metrics: metrics,
		ch:      make(chan Message, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Send enqueues msg and returns immediately.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.ch <- msg:
		return nil
	default:
		d.dropped.Add(1)
		d.metrics.MailOutcome(string(msg.Kind), "dropped")
		log.Printf("mail dropped kind=%s reason=queue_full", msg.Kind)
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.ch {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if err := d.next.Send(ctx, msg); err != nil {
		d.metrics.MailOutcome(string(msg.Kind), "failed")
		log.Printf("mail delivery failed kind=%s err=%v", msg.Kind, err)
		return
	}
	d.metrics.MailOutcome(string(msg.Kind), "sent")
}

// Close stops accepting new mails and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
