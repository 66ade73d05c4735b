package call

import (
	"sync"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/signal"
)

// signalQueue serializes inbound signal handling for one session. The
// transport may deliver concurrently and out of causal order; this queue
// guarantees the handler sees one signal at a time, in arrival order, each
// handled to completion before the next starts. A handler error is logged
// and does not stop the drain.
type signalQueue struct {
	handle func(signal.Signal) error
	logger *logger.Logger

	mu       sync.Mutex
	items    []signal.Signal
	draining bool
}

func newSignalQueue(handle func(signal.Signal) error, log *logger.Logger) *signalQueue {
	return &signalQueue{
		handle: handle,
		logger: log,
	}
}

// enqueue appends the signal and starts a drain if none is running.
func (q *signalQueue) enqueue(sig signal.Signal) {
	q.mu.Lock()
	q.items = append(q.items, sig)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	go q.drain()
}

// drain pops head-first until the queue is empty. At most one drain runs at
// a time.
func (q *signalQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		sig := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := q.handle(sig); err != nil {
			q.logger.Warn("[Call] dropped %s signal from %s: %v", sig.Kind, sig.SenderID, err)
		}
	}
}
