// Package queue implements the durable event queue: a single-producer,
// single-consumer FIFO of opaque payloads persisted in an append-only log.
//
// Enqueue durably appends before returning. WithdrawBatch inspects the
// oldest record, adds it to the batch, and only then commits its removal,
// one record at a time. A crash between those two steps loses nothing; a
// crash after the removal commit but before the caller receives the batch
// can lose that record. Delivery is therefore at-least-once per committed
// record and consumers should dedupe on event_id.
package queue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MEI-Research/ble-beacon-module/internal/metrics"
	"github.com/MEI-Research/ble-beacon-module/internal/store"
)

const (
	// DefaultMaxFetchBytes bounds a Fetch when the caller gives no limit.
	DefaultMaxFetchBytes = 2 << 20

	// DefaultEventName is passed to the listener on new data.
	DefaultEventName = "ble.event"
)

// Log is the append-only substrate the queue is built on.
// *store.Store implements it.
type Log interface {
	AppendEntry(ctx context.Context, payload []byte) (int64, error)
	PeekEntry(ctx context.Context) (store.Entry, bool, error)
	RemoveEntry(ctx context.Context, id int64) error
	CountEntries(ctx context.Context) (int, error)
}

// Listener is told when new data has been appended.
// NotifyNewData returns false if nobody is listening; the data stays queued.
type Listener interface {
	NotifyNewData(eventName string) bool
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(eventName string) bool

// NotifyNewData calls f.
func (f ListenerFunc) NotifyNewData(eventName string) bool {
	return f(eventName)
}

// Queue is the durable event queue.
//
// Thread-safety: all operations are serialized by one queue-wide mutex.
// Listener notification happens after the mutex is released.
type Queue struct {
	mu        sync.Mutex
	log       Log
	eventName string
	metrics   *metrics.Metrics

	listenerMu sync.RWMutex
	listener   Listener
}

// Option configures a Queue.
type Option func(*Queue)

// WithEventName overrides DefaultEventName.
func WithEventName(name string) Option {
	return func(q *Queue) {
		if name != "" {
			q.eventName = name
		}
	}
}

// WithListener registers the new-data listener.
func WithListener(l Listener) Option {
	return func(q *Queue) {
		q.listener = l
	}
}

// WithMetrics records queue depth and throughput into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New creates a queue over log.
func New(log Log, opts ...Option) *Queue {
	q := &Queue{
		log:       log,
		eventName: DefaultEventName,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetListener replaces the new-data listener. A nil listener disables
// notification.
func (q *Queue) SetListener(l Listener) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	q.listener = l
}

// EventName returns the name passed to the listener.
func (q *Queue) EventName() string {
	return q.eventName
}

// Enqueue durably appends payload. A failed append is returned to the
// caller; the payload is not queued and not retried.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	_, err := q.log.AppendEntry(ctx, payload)
	if err == nil {
		q.refreshDepth(ctx)
	}
	q.mu.Unlock()

	if err != nil {
		q.metrics.QueueEnqueueError()
		return fmt.Errorf("enqueue: %w", err)
	}
	q.metrics.QueueEnqueued()

	q.notify()
	return nil
}

func (q *Queue) notify() {
	q.listenerMu.RLock()
	l := q.listener
	q.listenerMu.RUnlock()

	if l == nil || !l.NotifyNewData(q.eventName) {
		slog.Debug("no listener for new data; record stays queued", "event", q.eventName)
	}
}

// WithdrawBatch removes and returns the oldest records, in FIFO order, whose
// encoded batch size (see EncodedSize) stays within maxBytes. The first
// record is always returned even if it alone exceeds maxBytes. maxBytes <= 0
// means unbounded.
//
// A read or remove failure ends the batch early; the records gathered so
// far are returned and the failure is logged.
func (q *Queue) WithdrawBatch(ctx context.Context, maxBytes int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		out  [][]byte
		size = 2 // brackets
	)
	for ctx.Err() == nil {
		entry, ok, err := q.log.PeekEntry(ctx)
		if err != nil {
			q.metrics.QueueReadError()
			slog.Error("queue read failed; ending batch early", "gathered", len(out), "error", err)
			break
		}
		if !ok {
			break
		}

		add := len(entry.Payload)
		if len(out) > 0 {
			add++ // separator
		}
		if maxBytes > 0 && len(out) > 0 && size+add > maxBytes {
			break
		}

		if err := q.log.RemoveEntry(ctx, entry.ID); err != nil {
			q.metrics.QueueReadError()
			slog.Error("queue remove failed; ending batch early", "id", entry.ID, "gathered", len(out), "error", err)
			break
		}
		out = append(out, entry.Payload)
		size += add
	}

	if len(out) > 0 {
		q.metrics.QueueWithdrawn(len(out))
		q.refreshDepth(ctx)
	}
	return out
}

// Fetch withdraws a batch and encodes it with EncodeBatch.
func (q *Queue) Fetch(ctx context.Context, maxBytes int) []byte {
	return EncodeBatch(q.WithdrawBatch(ctx, maxBytes))
}

// Size returns the number of records currently queued.
func (q *Queue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.log.CountEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	q.metrics.SetQueueDepth(n)
	return n, nil
}

// refreshDepth updates the depth gauge. Callers hold q.mu.
func (q *Queue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.log.CountEntries(ctx); err == nil {
		q.metrics.SetQueueDepth(n)
	}
}

// EncodeBatch joins payloads into "[p1,p2,...]". Payloads are JSON objects,
// so the result is a JSON array. An empty batch encodes as "[]".
func EncodeBatch(payloads [][]byte) []byte {
	var buf bytes.Buffer
	buf.Grow(EncodedSize(payloads))
	buf.WriteByte('[')
	for i, p := range payloads {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(p)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// EncodedSize is len(EncodeBatch(payloads)): 2 + sum of payload lengths +
// one separator between each pair.
func EncodedSize(payloads [][]byte) int {
	n := 2
	for i, p := range payloads {
		if i > 0 {
			n++
		}
		n += len(p)
	}
	return n
}
