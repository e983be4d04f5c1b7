package capture

import (
	"context"
	"time"

	"evolve-car-go/internal/types"
)

// Simulator is the set of simulator capabilities a session drives. The
// bridge client and the in-process world both implement it.
type Simulator interface {
	Connect(ctx context.Context, host string, port int, timeout time.Duration) error
	SpawnPoints(ctx context.Context) ([]types.Transform, error)
	Spawn(ctx context.Context, blueprint string, at types.Transform) (types.ActorID, error)
	SetAutopilot(ctx context.Context, id types.ActorID, enabled bool) error
	AttachSensor(ctx context.Context, blueprint string, attrs map[string]string, at types.Transform, parent types.ActorID) (types.ActorID, error)
	// Listen registers fn for frames of sensor. fn is called from a
	// goroutine owned by the simulator, never from the caller.
	Listen(ctx context.Context, sensor types.ActorID, fn types.FrameHandler) error
	Stop(ctx context.Context, sensor types.ActorID) error
	Destroy(ctx context.Context, id types.ActorID) error
	IsAlive(ctx context.Context, id types.ActorID) (bool, error)
	// WaitForStep blocks until the simulation advances or ctx is done.
	WaitForStep(ctx context.Context) (types.Tick, error)
	Close() error
}

// RawRecorder receives every delivered frame before conversion.
type RawRecorder interface {
	Record(tag string, frame types.Frame) error
}
