package alerts

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"r2r/internal/metrics"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	defaultTimeout     = 5 * time.Second
	defaultQueueSize   = 256
)

// Dispatcher delivers alerts off the request path. Dispatch never blocks;
// delivery failures are retried, logged and counted but never returned.
type Dispatcher struct {
	Notifier    Notifier
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration

	queue    chan string
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	failures atomic.Int64
}

func NewDispatcher(n Notifier, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if n == nil {
		n = LogNotifier{}
	}
	return &Dispatcher{Notifier: n, queue: make(chan string, queueSize)}
}

// Start launches the delivery worker. ctx bounds retries in flight.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for msg := range d.queue {
			d.deliver(ctx, msg)
		}
	}()
}

// Dispatch enqueues message; it reports false when the queue is full or closed.
func (d *Dispatcher) Dispatch(message string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.AlertDeliveriesTotal.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case d.queue <- message:
		return true
	default:
		metrics.AlertDeliveriesTotal.WithLabelValues("dropped").Inc()
		slog.Warn("alert queue full, dropping alert")
		return false
	}
}

// Close stops accepting alerts and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Failures() int64 {
	return d.failures.Load()
}

func (d *Dispatcher) deliver(ctx context.Context, message string) {
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	base := d.Backoff
	if base <= 0 {
		base = defaultBackoff
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := d.Notifier.Notify(cctx, message); err != nil {
			slog.Debug("alert attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		d.failures.Add(1)
		metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
		slog.Warn("alert delivery failed", "attempts", attempts, "error", err)
		return
	}
	metrics.AlertDeliveriesTotal.WithLabelValues("delivered").Inc()
}
