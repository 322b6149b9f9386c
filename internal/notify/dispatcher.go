package notify

import (
	"context"
	"sync"
	"time"

	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Message is a queued notification
type Message struct {
	Phone string
	Text  string
	// Ref identifies the subject in logs, typically the order id
	Ref int64
}

// Dispatcher sends messages on background workers. Dispatch never blocks;
// when the queue is full the message is dropped.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	queue   chan Message
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	logger *zap.Logger
}

// NewDispatcher starts workers that deliver through sender
func NewDispatcher(sender Sender, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	d := &Dispatcher{
		sender:  sender,
		timeout: timeout,
		queue:   make(chan Message, queueSize),
		logger:  util.ComponentLogger("notify"),
	}
	for i := 0; i < workers; i++ {
		d.workers.Add(1)
		go d.run()
	}
	return d
}

// Dispatch queues a message and reports whether it was accepted
func (d *Dispatcher) Dispatch(msg Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		util.NotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}

	d.pending.Add(1)
	select {
	case d.queue <- msg:
		return true
	default:
		d.pending.Done()
		util.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("Notification queue full, dropping message", zap.Int64("ref", msg.Ref))
		return false
	}
}

// Wait blocks until every accepted message has been attempted
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close stops accepting messages, drains the queue and stops the workers
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.workers.Wait()
}

func (d *Dispatcher) run() {
	defer d.workers.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	defer d.pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sender.Send(ctx, msg.Phone, msg.Text); err != nil {
		util.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("Notification failed", zap.Int64("ref", msg.Ref), zap.Error(err))
		return
	}
	util.NotificationsTotal.WithLabelValues("sent").Inc()
}
