package proxy

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/internal/obs"
)

// ErrQueueFull is returned when the bounded dispatch queue sheds a packet.
var ErrQueueFull = errors.New("proxy: dispatch queue full")

// Handler processes one decoded packet from the named session.
type Handler func(sessionID string, pkt *Packet) error

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Processed uint64
	Dropped   uint64
	Depth     int
}

type queued struct {
	session string
	pkt     *Packet
}

// Dispatcher routes decoded frames to the handler registered for their kind.
//
// Inbound packets are enqueued by the transport read loops and drained in
// FIFO order by ProcessQueue, so packets from one session are always handled
// in the order received. The queue is bounded: when full, new packets are
// shed with a diagnostic rather than blocking the read path indefinitely;
// the depth statistic is the backpressure signal for the transport layer.
type Dispatcher struct {
	mu        sync.Mutex
	handlers  map[Kind]Handler
	queue     []queued
	capacity  int
	processed uint64
	dropped   uint64
	kick      chan struct{}
}

// DefaultQueueCapacity bounds the dispatch queue unless configured otherwise.
const DefaultQueueCapacity = 1024

// NewDispatcher creates a dispatcher with the given queue capacity.
func NewDispatcher(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		handlers: make(map[Kind]Handler),
		capacity: capacity,
		kick:     make(chan struct{}, 1),
	}
}

// RegisterHandler installs the handler for a packet kind, replacing any
// previous registration.
func (d *Dispatcher) RegisterHandler(kind Kind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

// UnregisterHandler removes the handler for a packet kind.
func (d *Dispatcher) UnregisterHandler(kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, kind)
}

// Enqueue appends a packet for asynchronous processing. A full queue sheds
// the packet and reports ErrQueueFull.
func (d *Dispatcher) Enqueue(sessionID string, pkt *Packet) error {
	d.mu.Lock()
	if len(d.queue) >= d.capacity {
		d.dropped++
		d.mu.Unlock()
		obs.PacketsDroppedTotal.WithLabelValues("queue_full").Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Enqueue",
			"session":  sessionID,
			"kind":     pkt.Kind.String(),
			"capacity": d.capacity,
		}).Warn("Dispatch queue full, shedding packet")
		return ErrQueueFull
	}
	d.queue = append(d.queue, queued{session: sessionID, pkt: pkt})
	depth := len(d.queue)
	d.mu.Unlock()

	obs.DispatchQueueDepth.Set(float64(depth))
	select {
	case d.kick <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the oldest queued packet.
func (d *Dispatcher) Dequeue() (string, *Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return "", nil, false
	}
	head := d.queue[0]
	d.queue = d.queue[1:]
	obs.DispatchQueueDepth.Set(float64(len(d.queue)))
	return head.session, head.pkt, true
}

// ProcessQueue drains the queue in FIFO order, invoking the handler matching
// each packet's kind. Unknown kinds are dropped with a diagnostic; handler
// errors are logged and do not stop the drain. Returns the number of packets
// handled.
func (d *Dispatcher) ProcessQueue() int {
	handled := 0
	for {
		session, pkt, ok := d.Dequeue()
		if !ok {
			return handled
		}

		d.mu.Lock()
		handler, exists := d.handlers[pkt.Kind]
		d.mu.Unlock()

		if !exists {
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
			obs.PacketsDroppedTotal.WithLabelValues("no_handler").Inc()
			logrus.WithFields(logrus.Fields{
				"function": "ProcessQueue",
				"session":  session,
				"kind":     pkt.Kind.String(),
			}).Debug("No handler registered, dropping packet")
			continue
		}

		if err := handler(session, pkt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ProcessQueue",
				"session":  session,
				"kind":     pkt.Kind.String(),
				"error":    err.Error(),
			}).Warn("Packet handler error")
		}

		d.mu.Lock()
		d.processed++
		d.mu.Unlock()
		obs.PacketsProcessedTotal.Inc()
		handled++
	}
}

// ClearQueue discards all pending packets for a session, typically on its
// teardown. Returns the number of packets discarded.
func (d *Dispatcher) ClearQueue(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.queue[:0]
	discarded := 0
	for _, q := range d.queue {
		if q.session == sessionID {
			discarded++
			continue
		}
		kept = append(kept, q)
	}
	d.queue = kept
	obs.DispatchQueueDepth.Set(float64(len(d.queue)))
	return discarded
}

// Notify returns a channel that receives a signal whenever work is enqueued.
// It is never closed; drain loops should also select on their own context.
func (d *Dispatcher) Notify() <-chan struct{} {
	return d.kick
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Processed: d.processed, Dropped: d.dropped, Depth: len(d.queue)}
}
