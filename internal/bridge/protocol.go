// Package bridge exposes a simulator over ZeroMQ: a REQ/REP control channel
// carrying CBOR requests, and a PUB/SUB stream of ticks and images.
package bridge

import (
	"fmt"

	"evolve-car-go/internal/types"
)

const (
	OpGetWorld     = "get_world"
	OpSpawnPoints  = "spawn_points"
	OpSpawnActor   = "spawn_actor"
	OpSetAutopilot = "set_autopilot"
	OpListen       = "listen"
	OpStop         = "stop"
	OpDestroy      = "destroy"
	OpIsAlive      = "is_alive"
)

type Request struct {
	Op         string            `cbor:"op"`
	ID         uint32            `cbor:"id,omitempty"`
	Parent     uint32            `cbor:"parent,omitempty"`
	Blueprint  string            `cbor:"blueprint,omitempty"`
	Transform  *types.Transform  `cbor:"transform,omitempty"`
	Attributes map[string]string `cbor:"attributes,omitempty"`
	Enabled    bool              `cbor:"enabled,omitempty"`
}

type Response struct {
	OK          bool              `cbor:"ok"`
	Error       string            `cbor:"error,omitempty"`
	ID          uint32            `cbor:"id,omitempty"`
	Alive       bool              `cbor:"alive,omitempty"`
	SpawnPoints []types.Transform `cbor:"spawn_points,omitempty"`
	World       *types.WorldInfo  `cbor:"world,omitempty"`
}

// RemoteError is a failure reported by the simulator side of the bridge.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func failure(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
