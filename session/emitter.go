package session

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/purchasekit/purchasekit/billing"
)

const eventQueueSize = 64

// emitter is the per-connection delivery queue. One goroutine drains the
// queue so listeners observe events in exactly the order they were raised.
// A new emitter is created on every connect; closing it bounds the validity
// window of the events it carried.
type emitter struct {
	log     *zap.Logger
	deliver func(e billing.Event)

	mu     sync.Mutex
	closed bool
	final  *billing.Event
	queue  chan billing.Event
	done   chan struct{}

	dispatchGoroutine atomic.Uint64
}

func newEmitter(log *zap.Logger, deliver func(e billing.Event)) *emitter {
	return &emitter{
		log:     log,
		deliver: deliver,
		queue:   make(chan billing.Event, eventQueueSize),
		done:    make(chan struct{}),
	}
}

func (e *emitter) run() {
	e.dispatchGoroutine.Store(goroutineID())
	for event := range e.queue {
		e.deliver(event)
	}

	e.mu.Lock()
	final := e.final
	e.mu.Unlock()
	if final != nil {
		e.deliver(*final)
	}

	close(e.done)
}

// onDispatchGoroutine reports whether the caller is the delivery goroutine,
// i.e. a listener running re-entrant session code. Waiting for the drain
// from there would deadlock against ourselves.
func (e *emitter) onDispatchGoroutine() bool {
	id := e.dispatchGoroutine.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the current goroutine's id out of its stack header.
// There is no supported API for this; the format ("goroutine N [...") has
// been stable since Go 1.0.
func goroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	id, err := strconv.ParseUint(header[:strings.IndexByte(header, ' ')], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// enqueue appends an event to the delivery queue. Returns false once the
// emitter is closed or when the queue is saturated; journaled events are
// replayed on the next connect either way.
func (e *emitter) enqueue(event billing.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}

	select {
	case e.queue <- event:
		return true
	default:
		e.log.Warn("Event queue saturated, dropping event",
			zap.String("kind", event.Kind.String()),
			zap.String("event_id", event.ID),
		)
		return false
	}
}

// close seals the queue after appending the final event. Queued events are
// still delivered, in order, before the final one. The send must not block:
// close may run on the dispatch goroutine itself (a listener calling
// Disconnect), which can never drain the queue it is parked on.
func (e *emitter) close(final billing.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true

	select {
	case e.queue <- final:
	default:
		// Saturated queue: hand the final event to the run loop, which
		// delivers it after the drain.
		e.final = &final
	}
	close(e.queue)
}

// wait blocks until the delivery goroutine has drained the queue.
func (e *emitter) wait() {
	<-e.done
}
