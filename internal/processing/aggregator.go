package processing

import "sync"

type TagStats struct {
	Frames    uint64  `json:"frames"`
	Bytes     uint64  `json:"bytes"`
	LastFrame uint64  `json:"last_frame"`
	LastTime  float64 `json:"last_time"`
}

// Aggregator tallies delivered frames per sensor tag.
type Aggregator struct {
	mu   sync.Mutex
	data map[string]*TagStats
}

func NewAggregator() *Aggregator {
	return &Aggregator{data: make(map[string]*TagStats)}
}

func (a *Aggregator) AddFrame(tag string, frameID uint64, simTime float64, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.data[tag]
	if !ok {
		st = &TagStats{}
		a.data[tag] = st
	}
	st.Frames++
	st.Bytes += uint64(size)
	st.LastFrame = frameID
	st.LastTime = simTime
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.data = make(map[string]*TagStats)
	a.mu.Unlock()
}

func (a *Aggregator) SnapshotCopy() map[string]TagStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]TagStats, len(a.data))
	for tag, st := range a.data {
		out[tag] = *st
	}
	return out
}
