package types

import "time"

// FrameRecord describes one frame written to disk.
type FrameRecord struct {
	SessionID string    `json:"session_id"`
	Tag       string    `json:"tag"`
	Seq       uint64    `json:"seq"`
	Path      string    `json:"path"`
	SimFrame  uint64    `json:"sim_frame"`
	SimTime   float64   `json:"sim_time"`
	WrittenAt time.Time `json:"written_at"`
}

type FrameEvent struct {
	Type   string      `json:"type"`
	Record FrameRecord `json:"record"`
}

type UISnapshot struct {
	Type   string                 `json:"type"`
	Latest map[string]FrameRecord `json:"latest"`
}
