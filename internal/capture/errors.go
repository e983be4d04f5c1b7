package capture

import (
	"errors"
	"fmt"

	"evolve-car-go/internal/types"
)

var (
	ErrNoPlacements = errors.New("no spawn placements available in the current map")
	ErrInvalidState = errors.New("invalid session state")
)

// ConnectionError reports that the simulator could not be reached.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to simulator at %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SpawnError reports that the agent could not be created.
type SpawnError struct {
	Placement *types.Transform
	Err       error
}

func (e *SpawnError) Error() string {
	if e.Placement == nil {
		return fmt.Sprintf("spawn agent: %v", e.Err)
	}
	return fmt.Sprintf("spawn agent at %s: %v", e.Placement, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// SensorAttachError reports that a camera could not be created, attached
// or registered.
type SensorAttachError struct {
	Tag string
	Err error
}

func (e *SensorAttachError) Error() string {
	return fmt.Sprintf("attach sensor %q: %v", e.Tag, e.Err)
}

func (e *SensorAttachError) Unwrap() error {
	return e.Err
}
