package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meshcall/voicemesh/internal/metrics"
)

const (
	defaultAsyncQueueSize = 64
	defaultWriteTimeout   = 2 * time.Second
)

type AsyncOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type writeOp struct {
	name string
	run  func(ctx context.Context) error
	done chan struct{}
}

// AsyncWriter applies registry writes on a background goroutine in the order
// they were submitted. Submitting never blocks: when the queue is full the
// write is dropped and counted.
type AsyncWriter struct {
	reg     Registry
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan writeOp

	stopped chan struct{}
}

func NewAsyncWriter(reg Registry, opts AsyncOptions) *AsyncWriter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultAsyncQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	w := &AsyncWriter{
		reg:     reg,
		log:     log,
		metrics: opts.Metrics,
		timeout: opts.WriteTimeout,
		queue:   make(chan writeOp, opts.QueueSize),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) Upsert(p Participant) {
	w.submit(writeOp{name: "upsert", run: func(ctx context.Context) error {
		return w.reg.Upsert(ctx, p)
	}})
}

func (w *AsyncWriter) Update(channelID, id string, patch Patch) {
	w.submit(writeOp{name: "update", run: func(ctx context.Context) error {
		return w.reg.Update(ctx, channelID, id, patch)
	}})
}

func (w *AsyncWriter) Delete(channelID, id string) {
	w.submit(writeOp{name: "delete", run: func(ctx context.Context) error {
		return w.reg.Delete(ctx, channelID, id)
	}})
}

// Flush waits until every write submitted before the call has been applied.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !w.submit(writeOp{name: "flush", done: done}) {
		return errors.New("registry writer closed or full")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and waits for queued ones to finish or for ctx
// to end. Later calls return immediately.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AsyncWriter) submit(op writeOp) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- op:
		return true
	default:
		w.metrics.Inc(metrics.RegistryDropped)
		w.log.Warn("registry write dropped: queue full", "op", op.name)
		return false
	}
}

func (w *AsyncWriter) run() {
	defer close(w.stopped)
	for op := range w.queue {
		if op.run != nil {
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			err := op.run(ctx)
			cancel()
			if err != nil {
				w.metrics.Inc(metrics.RegistryFailed)
				w.log.Warn("registry write failed", "op", op.name, "err", err)
			}
		}
		if op.done != nil {
			close(op.done)
		}
	}
}
