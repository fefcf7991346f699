// Package channel carries registry and execution-log changes to the
// persistence writer over a buffered channel.
package channel

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// DefaultBufferSize is used when NewChangeBus is given a non-positive size.
const DefaultBufferSize = 1000

var (
	ErrBufferFull = errors.New("change bus buffer full")
	ErrClosed     = errors.New("change bus closed")
)

// MetricsSink defines the interface for recording bus metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	ChangeDropped()
}

type Option func(*ChangeBus)

// WithMetrics attaches a metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(b *ChangeBus) { b.metrics = m }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(b *ChangeBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// ChangeBus never blocks the publisher: publishers hold registry locks, so
// a full buffer drops the change and relies on the reconciler to repair the
// store.
type ChangeBus struct {
	ch      chan domain.Change
	metrics MetricsSink
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
}

func NewChangeBus(buffer int, opts ...Option) *ChangeBus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	b := &ChangeBus{
		ch:     make(chan domain.Change, buffer),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Publish implements the registry and execution-log emitter.
func (b *ChangeBus) Publish(c domain.Change) {
	if err := b.TryPublish(c); err != nil {
		b.logger.Warnw("changebus: change dropped", "kind", c.Kind, "job_id", c.JobID, "error", err)
	}
}

// TryPublish enqueues c or returns ErrBufferFull or ErrClosed.
func (b *ChangeBus) TryPublish(c domain.Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- c:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate(len(b.ch))
		}
		return nil
	default:
		if b.metrics != nil {
			b.metrics.ChangeDropped()
		}
		return ErrBufferFull
	}
}

// Channel returns the receive side. It is closed by Close.
func (b *ChangeBus) Channel() <-chan domain.Change {
	return b.ch
}

// Len reports the number of buffered changes.
func (b *ChangeBus) Len() int {
	return len(b.ch)
}

// Close stops accepting changes. Buffered changes remain readable.
func (b *ChangeBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
