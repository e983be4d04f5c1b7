package types

import "fmt"

// ActorID identifies an actor (vehicle or sensor) owned by the simulator.
type ActorID uint32

type Location struct {
	X float64 `cbor:"x" json:"x"`
	Y float64 `cbor:"y" json:"y"`
	Z float64 `cbor:"z" json:"z"`
}

// Rotation angles are in degrees.
type Rotation struct {
	Pitch float64 `cbor:"pitch" json:"pitch"`
	Yaw   float64 `cbor:"yaw" json:"yaw"`
	Roll  float64 `cbor:"roll" json:"roll"`
}

// Transform is a position and orientation. Spawn placements are absolute
// map transforms; sensor poses are relative to the parent actor.
type Transform struct {
	Location Location `cbor:"location" json:"location"`
	Rotation Rotation `cbor:"rotation" json:"rotation"`
}

func (t Transform) String() string {
	return fmt.Sprintf("(x=%.2f y=%.2f z=%.2f pitch=%.1f yaw=%.1f roll=%.1f)",
		t.Location.X, t.Location.Y, t.Location.Z,
		t.Rotation.Pitch, t.Rotation.Yaw, t.Rotation.Roll)
}

// SensorSpec names one camera of the rig and its pose relative to the agent.
type SensorSpec struct {
	Tag       string    `json:"tag"`
	Transform Transform `json:"transform"`
}

// CameraSettings are the blueprint attributes shared by every camera.
type CameraSettings struct {
	Blueprint string
	Width     int
	Height    int
	FOV       float64
}

// Attributes renders the settings as simulator blueprint attributes.
func (c CameraSettings) Attributes() map[string]string {
	return map[string]string{
		"image_size_x": fmt.Sprintf("%d", c.Width),
		"image_size_y": fmt.Sprintf("%d", c.Height),
		"fov":          fmt.Sprintf("%g", c.FOV),
	}
}

const LayoutBGRA = "bgra8"

// MaxFrameDimension bounds frame width and height so buffer sizes cannot
// overflow.
const MaxFrameDimension = 1 << 15

// BGRASize returns the byte length of a width x height BGRA buffer.
func BGRASize(width, height int) (int, error) {
	if width < 1 || height < 1 || width > MaxFrameDimension || height > MaxFrameDimension {
		return 0, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	return width * height * 4, nil
}

// Frame is one image delivered by a camera. Raw holds Width*Height pixels
// in Layout order and must not be modified by consumers.
type Frame struct {
	Sensor    ActorID `cbor:"sensor"`
	FrameID   uint64  `cbor:"frame"`
	Timestamp float64 `cbor:"timestamp"`
	Width     int     `cbor:"width"`
	Height    int     `cbor:"height"`
	Layout    string  `cbor:"layout"`
	Raw       []byte  `cbor:"raw"`
}

// Tick reports one advance of the simulation.
type Tick struct {
	Frame   uint64  `cbor:"frame" json:"frame"`
	Elapsed float64 `cbor:"elapsed" json:"elapsed"`
	Delta   float64 `cbor:"delta" json:"delta"`
}

// FrameHandler receives frames on a backend-owned goroutine.
type FrameHandler func(Frame)

// WorldInfo describes a simulator endpoint.
type WorldInfo struct {
	Map        string `cbor:"map" json:"map"`
	StreamPort int    `cbor:"stream_port" json:"stream_port"`
}
