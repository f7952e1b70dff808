package sqllog

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/matst80/sqltap/internal/obs"
)

// DefaultQueueSize bounds the number of entries waiting for the sinks.
const DefaultQueueSize = 1024

// Writer fans entries out to its sinks from a single goroutine.
// Append never blocks: if the queue is full the entry is dropped.
type Writer struct {
	sinks []Sink
	queue chan Entry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewWriter(queueSize int, sinks ...Sink) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	w := &Writer{
		sinks: sinks,
		queue: make(chan Entry, queueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Append queues e. It reports false when the entry was dropped.
func (w *Writer) Append(e Entry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- e:
		return true
	default:
		w.dropped.Add(1)
		obs.LogDroppedTotal.Inc()
		obs.Warn("sqllog.dropped", obs.Fields{"session": e.SessionID, "queue": cap(w.queue)})
		return false
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.queue {
		for _, s := range w.sinks {
			if err := s.Write(e); err != nil {
				w.failed.Add(1)
				obs.ErrorsTotal.WithLabelValues("sink_" + s.Name()).Inc()
				obs.Error("sqllog.write", obs.Fields{"sink": s.Name(), "session": e.SessionID}.Err(err))
			}
		}
		w.written.Add(1)
	}
}

// Close flushes queued entries and closes every sink.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	var errs []error
	for _, s := range w.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Written is the number of entries handed to the sinks.
func (w *Writer) Written() int64 { return w.written.Load() }

// Dropped is the number of entries lost to a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Failed counts individual sink write errors.
func (w *Writer) Failed() int64 { return w.failed.Load() }
