// Package dispatch delivers frames to per-sensor handlers. Every sensor has
// its own goroutine and bounded queue, so handlers for different sensors run
// concurrently while frames for one sensor arrive in order.
package dispatch

import (
	"sync"
	"sync/atomic"

	"evolve-car-go/internal/types"
)

const DefaultQueueSize = 8

type listener struct {
	frames chan types.Frame
	done   chan struct{}
}

// Dispatcher owns the delivery goroutines of all listening sensors.
type Dispatcher struct {
	mu        sync.Mutex
	queueSize int
	listeners map[types.ActorID]*listener
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func New(queueSize int) *Dispatcher {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		queueSize: queueSize,
		listeners: make(map[types.ActorID]*listener),
	}
}

// Listen registers fn for sensor, replacing any previous handler.
func (d *Dispatcher) Listen(sensor types.ActorID, fn types.FrameHandler) {
	l := &listener{
		frames: make(chan types.Frame, d.queueSize),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		for frame := range l.frames {
			fn(frame)
			d.delivered.Add(1)
		}
	}()

	d.mu.Lock()
	previous := d.listeners[sensor]
	d.listeners[sensor] = l
	d.mu.Unlock()

	if previous != nil {
		close(previous.frames)
		<-previous.done
	}
}

// Listening reports whether sensor has a registered handler.
func (d *Dispatcher) Listening(sensor types.ActorID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.listeners[sensor]
	return ok
}

// Deliver enqueues frame for its sensor. It never blocks: a frame for a
// sensor without a handler, or whose queue is full, is dropped.
func (d *Dispatcher) Deliver(frame types.Frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.listeners[frame.Sensor]
	if !ok {
		return false
	}
	select {
	case l.frames <- frame:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Stop unregisters the handler for sensor and waits for queued frames to
// be handled.
func (d *Dispatcher) Stop(sensor types.ActorID) {
	d.mu.Lock()
	l, ok := d.listeners[sensor]
	delete(d.listeners, sensor)
	d.mu.Unlock()
	if !ok {
		return
	}
	close(l.frames)
	<-l.done
}

// Close stops every listener.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	listeners := d.listeners
	d.listeners = make(map[types.ActorID]*listener)
	d.mu.Unlock()
	for _, l := range listeners {
		close(l.frames)
		<-l.done
	}
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}
