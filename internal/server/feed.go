package server

import (
	"sync"
	"sync/atomic"

	"evolve-car-go/internal/types"
)

const EventFrameWritten = "frame_written"

// Feed turns written frames into websocket events and remembers the latest
// frame per tag for snapshot requests.
type Feed struct {
	out     chan types.FrameEvent
	dropped atomic.Uint64

	mu     sync.Mutex
	latest map[string]types.FrameRecord
}

func NewFeed(buffer int) *Feed {
	return &Feed{
		out:    make(chan types.FrameEvent, buffer),
		latest: make(map[string]types.FrameRecord),
	}
}

// Messages is the channel to pass to Run.
func (f *Feed) Messages() <-chan types.FrameEvent {
	return f.out
}

// Publish records r and queues an event. It never blocks the caller; events
// are dropped while clients lag behind.
func (f *Feed) Publish(r types.FrameRecord) {
	f.mu.Lock()
	f.latest[r.Tag] = r
	f.mu.Unlock()

	select {
	case f.out <- types.FrameEvent{Type: EventFrameWritten, Record: r}:
	default:
		f.dropped.Add(1)
	}
}

func (f *Feed) Snapshot() types.UISnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := make(map[string]types.FrameRecord, len(f.latest))
	for tag, r := range f.latest {
		latest[tag] = r
	}
	return types.UISnapshot{Type: "snapshot", Latest: latest}
}

func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}
