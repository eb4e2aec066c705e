package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/majorcontext/metaproxy/internal/log"
)

type pending struct {
	ts  time.Time
	rec Record
}

// Writer appends records to a Store from a background goroutine so request
// handling never waits on disk. Records are dropped when the buffer is full.
type Writer struct {
	store   *Store
	ch      chan pending
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts a writer with room for buffer queued records.
func NewWriter(store *Store, buffer int) *Writer {
	if buffer < 1 {
		buffer = 1
	}
	w := &Writer{
		store: store,
		ch:    make(chan pending, buffer),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Write queues rec. It never blocks.
func (w *Writer) Write(ts time.Time, rec Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- pending{ts: ts, rec: rec}:
	default:
		if n := w.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Warn("audit buffer full; dropping records", "subsystem", "audit", "dropped", n)
		}
	}
}

// Dropped returns how many records were discarded.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Close drains queued records and stops the writer. The store stays open.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for p := range w.ch {
		if _, err := w.store.Append(p.ts, p.rec); err != nil {
			log.Error("writing audit record", "subsystem", "audit", "error", err)
		}
	}
}
