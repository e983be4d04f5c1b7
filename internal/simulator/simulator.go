// Package simulator is an in-process world that implements the capture
// backend without an external simulator. It is used by --debug runs, the
// bridge server and tests.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"evolve-car-go/internal/dispatch"
	"evolve-car-go/internal/types"
)

var (
	ErrClosed        = errors.New("world is closed")
	ErrNotConnected  = errors.New("world is not connected")
	ErrActorNotFound = errors.New("actor not found")
	ErrCollision     = errors.New("spawn failed because of collision at spawn position")
)

const (
	collisionRadius = 2.0
	autopilotSpeed  = 8.0 // m/s
	autopilotTurn   = 3.0 // deg per tick
	maxSpawnPoints  = 512
)

type Config struct {
	Map         string
	SpawnPoints int
	Seed        int64
	// TickRate is the number of steps per second taken by Run.
	TickRate float64
	// Delta is the simulated time per step. Defaults to 1/TickRate.
	Delta        float64
	MaxImageSize int
	QueueSize    int
}

func DefaultConfig() Config {
	return Config{
		Map:          "Town10HD_Opt",
		SpawnPoints:  16,
		Seed:         1,
		TickRate:     20,
		MaxImageSize: 4096,
		QueueSize:    dispatch.DefaultQueueSize,
	}
}

type camera struct {
	width  int
	height int
	fov    float64
	shade  byte
}

type actor struct {
	id        types.ActorID
	blueprint string
	transform types.Transform
	parent    types.ActorID
	autopilot bool
	camera    *camera
}

// World holds actors and advances simulated time on Step.
type World struct {
	cfg      Config
	points   []types.Transform
	dispatch *dispatch.Dispatcher

	mu        sync.Mutex
	actors    map[types.ActorID]*actor
	listening map[types.ActorID]bool
	nextID    types.ActorID
	connected bool
	closed    bool
	tick      types.Tick
	stepped   chan struct{}
}

func New(cfg Config) *World {
	def := DefaultConfig()
	if cfg.Map == "" {
		cfg.Map = def.Map
	}
	cfg.SpawnPoints = min(max(cfg.SpawnPoints, 0), maxSpawnPoints)
	if cfg.TickRate <= 0 {
		cfg.TickRate = def.TickRate
	}
	if cfg.Delta <= 0 {
		cfg.Delta = 1 / cfg.TickRate
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = def.MaxImageSize
	}
	return &World{
		cfg:       cfg,
		points:    spawnPoints(cfg.SpawnPoints, cfg.Seed),
		dispatch:  dispatch.New(cfg.QueueSize),
		actors:    make(map[types.ActorID]*actor),
		listening: make(map[types.ActorID]bool),
		stepped:   make(chan struct{}),
	}
}

// spawnPoints scatters n placements on the map, at least 4*collisionRadius
// apart, deterministically from seed.
func spawnPoints(n int, seed int64) []types.Transform {
	rng := rand.New(rand.NewSource(seed))
	points := make([]types.Transform, 0, n)
	for len(points) < n {
		candidate := types.Transform{
			Location: types.Location{
				X: math.Round((rng.Float64()*400-200)*10) / 10,
				Y: math.Round((rng.Float64()*400-200)*10) / 10,
				Z: 0.6,
			},
			Rotation: types.Rotation{Yaw: float64(rng.Intn(4)) * 90},
		}
		free := true
		for _, p := range points {
			if distance(p.Location, candidate.Location) < 4*collisionRadius {
				free = false
				break
			}
		}
		if free {
			points = append(points, candidate)
		}
	}
	return points
}

func distance(a, b types.Location) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (w *World) Info() types.WorldInfo {
	return types.WorldInfo{Map: w.cfg.Map}
}

func (w *World) Connect(ctx context.Context, host string, port int, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.connected = true
	log.Debug().Str("map", w.cfg.Map).Int("spawn_points", len(w.points)).Msg("in-process world connected")
	return nil
}

// ready must be called with w.mu held.
func (w *World) ready() error {
	if w.closed {
		return ErrClosed
	}
	if !w.connected {
		return ErrNotConnected
	}
	return nil
}

func (w *World) SpawnPoints(ctx context.Context) ([]types.Transform, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ready(); err != nil {
		return nil, err
	}
	return append([]types.Transform(nil), w.points...), nil
}

func (w *World) Spawn(ctx context.Context, blueprint string, at types.Transform) (types.ActorID, error) {
	if !strings.HasPrefix(blueprint, "vehicle.") {
		return 0, fmt.Errorf("blueprint %q is not a vehicle", blueprint)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ready(); err != nil {
		return 0, err
	}
	for _, a := range w.actors {
		if a.camera == nil && distance(a.transform.Location, at.Location) < collisionRadius {
			return 0, ErrCollision
		}
	}
	w.nextID++
	id := w.nextID
	w.actors[id] = &actor{id: id, blueprint: blueprint, transform: at}
	return id, nil
}

func (w *World) SetAutopilot(ctx context.Context, id types.ActorID, enabled bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ready(); err != nil {
		return err
	}
	a, ok := w.actors[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrActorNotFound, id)
	}
	if a.camera != nil {
		return fmt.Errorf("actor %d is not a vehicle", id)
	}
	a.autopilot = enabled
	return nil
}

func (w *World) AttachSensor(ctx context.Context, blueprint string, attrs map[string]string, at types.Transform, parent types.ActorID) (types.ActorID, error) {
	if !strings.HasPrefix(blueprint, "sensor.camera.") {
		return 0, fmt.Errorf("blueprint %q is not a camera", blueprint)
	}
	cam, err := w.parseCamera(attrs)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ready(); err != nil {
		return 0, err
	}
	p, ok := w.actors[parent]
	if !ok || p.camera != nil {
		return 0, fmt.Errorf("%w: parent vehicle %d", ErrActorNotFound, parent)
	}
	w.nextID++
	id := w.nextID
	cam.shade = byte(id * 37)
	w.actors[id] = &actor{id: id, blueprint: blueprint, transform: at, parent: parent, camera: cam}
	return id, nil
}

func (w *World) parseCamera(attrs map[string]string) (*camera, error) {
	cam := &camera{width: 800, height: 600, fov: 90}
	if v, ok := attrs["image_size_x"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("image_size_x: %w", err)
		}
		cam.width = n
	}
	if v, ok := attrs["image_size_y"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("image_size_y: %w", err)
		}
		cam.height = n
	}
	if v, ok := attrs["fov"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("fov: %w", err)
		}
		cam.fov = f
	}
	if cam.width < 1 || cam.height < 1 || cam.width > w.cfg.MaxImageSize || cam.height > w.cfg.MaxImageSize {
		return nil, fmt.Errorf("image size %dx%d out of range", cam.width, cam.height)
	}
	if cam.fov <= 0 || cam.fov >= 180 {
		return nil, fmt.Errorf("fov %g out of range", cam.fov)
	}
	return cam, nil
}

func (w *World) Listen(ctx context.Context, sensor types.ActorID, fn types.FrameHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ready(); err != nil {
		return err
	}
	a, ok := w.actors[sensor]
	if !ok || a.camera == nil {
		return fmt.Errorf("%w: camera %d", ErrActorNotFound, sensor)
	}
	w.dispatch.Listen(sensor, fn)
	w.listening[sensor] = true
	return nil
}

// Stop unregisters the sensor's handler after its queued frames have been
// handled.
func (w *World) Stop(ctx context.Context, sensor types.ActorID) error {
	w.mu.Lock()
	if _, ok := w.actors[sensor]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrActorNotFound, sensor)
	}
	delete(w.listening, sensor)
	w.mu.Unlock()
	w.dispatch.Stop(sensor)
	return nil
}

// Destroy removes an actor. Destroying a vehicle also removes every sensor
// attached to it.
func (w *World) Destroy(ctx context.Context, id types.ActorID) error {
	w.mu.Lock()
	a, ok := w.actors[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrActorNotFound, id)
	}
	removed := []types.ActorID{id}
	delete(w.actors, id)
	if a.camera == nil {
		for cid, child := range w.actors {
			if child.parent == id {
				delete(w.actors, cid)
				removed = append(removed, cid)
			}
		}
	}
	for _, rid := range removed {
		delete(w.listening, rid)
	}
	w.mu.Unlock()

	for _, rid := range removed {
		w.dispatch.Stop(rid)
	}
	return nil
}

func (w *World) IsAlive(ctx context.Context, id types.ActorID) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, ErrClosed
	}
	_, ok := w.actors[id]
	return ok, nil
}

// Transform returns the current map transform of a vehicle, or the relative
// pose of a sensor.
func (w *World) Transform(id types.ActorID) (types.Transform, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.actors[id]
	if !ok {
		return types.Transform{}, false
	}
	return a.transform, true
}

func (w *World) ActorCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.actors)
}

func (w *World) WaitForStep(ctx context.Context) (types.Tick, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return types.Tick{}, ErrClosed
	}
	ch := w.stepped
	w.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.Tick{}, ctx.Err()
	case <-ch:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return types.Tick{}, ErrClosed
	}
	return w.tick, nil
}

type shot struct {
	id     types.ActorID
	cam    camera
	pose   types.Transform
	parent types.Transform
}

// Step advances the world by one tick, moves autopilot vehicles, renders a
// frame for every listening camera and wakes WaitForStep callers.
func (w *World) Step() types.Tick {
	w.mu.Lock()
	if w.closed {
		t := w.tick
		w.mu.Unlock()
		return t
	}
	w.tick.Frame++
	w.tick.Delta = w.cfg.Delta
	w.tick.Elapsed += w.cfg.Delta
	tick := w.tick

	for _, a := range w.actors {
		if a.camera == nil && a.autopilot {
			drive(&a.transform, w.cfg.Delta)
		}
	}
	shots := make([]shot, 0, len(w.listening))
	for id := range w.listening {
		a := w.actors[id]
		if a == nil {
			continue
		}
		var parent types.Transform
		if p := w.actors[a.parent]; p != nil {
			parent = p.transform
		}
		shots = append(shots, shot{id: id, cam: *a.camera, pose: a.transform, parent: parent})
	}
	close(w.stepped)
	w.stepped = make(chan struct{})
	w.mu.Unlock()

	for _, s := range shots {
		w.dispatch.Deliver(types.Frame{
			Sensor:    s.id,
			FrameID:   tick.Frame,
			Timestamp: tick.Elapsed,
			Width:     s.cam.width,
			Height:    s.cam.height,
			Layout:    types.LayoutBGRA,
			Raw:       render(s.cam, s.parent, s.pose, tick.Frame),
		})
	}
	return tick
}

func drive(t *types.Transform, delta float64) {
	yaw := t.Rotation.Yaw * math.Pi / 180
	t.Location.X += autopilotSpeed * delta * math.Cos(yaw)
	t.Location.Y += autopilotSpeed * delta * math.Sin(yaw)
	t.Rotation.Yaw = math.Mod(t.Rotation.Yaw+autopilotTurn, 360)
}

// Run steps the world at the configured tick rate until ctx is done.
func (w *World) Run(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / w.cfg.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Step()
		}
	}
}

// Dropped reports frames discarded because a camera's queue was full.
func (w *World) Dropped() uint64 {
	return w.dispatch.Dropped()
}

func (w *World) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stepped)
	w.mu.Unlock()
	w.dispatch.Close()
	return nil
}
