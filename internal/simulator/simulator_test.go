package simulator

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evolve-car-go/internal/capture"
	"evolve-car-go/internal/types"
)

var smallCamera = map[string]string{"image_size_x": "8", "image_size_y": "6", "fov": "90"}

func connectedWorld(t *testing.T, cfg Config) *World {
	t.Helper()
	w := New(cfg)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Connect(context.Background(), "localhost", 2000, time.Second))
	return w
}

func TestSpawnPointsDeterministic(t *testing.T) {
	a := spawnPoints(32, 7)
	b := spawnPoints(32, 7)
	c := spawnPoints(32, 8)
	require.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	for i := range a {
		for j := i + 1; j < len(a); j++ {
			assert.GreaterOrEqual(t, distance(a[i].Location, a[j].Location), 4*collisionRadius)
		}
	}
}

func TestRequiresConnect(t *testing.T) {
	w := New(DefaultConfig())
	defer w.Close()
	_, err := w.SpawnPoints(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSpawnCollisionAndBlueprints(t *testing.T) {
	w := connectedWorld(t, DefaultConfig())
	ctx := context.Background()
	points, err := w.SpawnPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 16)

	_, err = w.Spawn(ctx, "walker.pedestrian.0001", points[0])
	require.Error(t, err)

	id, err := w.Spawn(ctx, "vehicle.tesla.model3", points[0])
	require.NoError(t, err)
	_, err = w.Spawn(ctx, "vehicle.audi.tt", points[0])
	require.ErrorIs(t, err, ErrCollision)
	_, err = w.Spawn(ctx, "vehicle.audi.tt", points[1])
	require.NoError(t, err)

	_, err = w.AttachSensor(ctx, "sensor.lidar.ray_cast", nil, types.Transform{}, id)
	require.Error(t, err)
	_, err = w.AttachSensor(ctx, "sensor.camera.rgb", map[string]string{"image_size_x": "0"}, types.Transform{}, id)
	require.Error(t, err)
	_, err = w.AttachSensor(ctx, "sensor.camera.rgb", nil, types.Transform{}, 999)
	require.ErrorIs(t, err, ErrActorNotFound)
}

func TestDestroyVehicleRemovesSensors(t *testing.T) {
	w := connectedWorld(t, DefaultConfig())
	ctx := context.Background()
	points, _ := w.SpawnPoints(ctx)
	vehicle, err := w.Spawn(ctx, "vehicle.tesla.model3", points[0])
	require.NoError(t, err)
	cam, err := w.AttachSensor(ctx, "sensor.camera.rgb", smallCamera, types.Transform{}, vehicle)
	require.NoError(t, err)
	require.NoError(t, w.Listen(ctx, cam, func(types.Frame) {}))

	require.NoError(t, w.Destroy(ctx, vehicle))
	alive, err := w.IsAlive(ctx, cam)
	require.NoError(t, err)
	assert.False(t, alive)
	assert.Zero(t, w.ActorCount())
	require.ErrorIs(t, w.Destroy(ctx, cam), ErrActorNotFound)
}

func TestStepDeliversFramesInOrder(t *testing.T) {
	w := connectedWorld(t, DefaultConfig())
	ctx := context.Background()
	points, _ := w.SpawnPoints(ctx)
	vehicle, err := w.Spawn(ctx, "vehicle.tesla.model3", points[0])
	require.NoError(t, err)
	require.NoError(t, w.SetAutopilot(ctx, vehicle, true))
	cam, err := w.AttachSensor(ctx, "sensor.camera.rgb", smallCamera, types.Transform{}, vehicle)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []types.Frame
	require.NoError(t, w.Listen(ctx, cam, func(f types.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}))

	for i := 0; i < 5; i++ {
		w.Step()
	}
	require.NoError(t, w.Stop(ctx, cam))

	require.Len(t, got, 5)
	for i, f := range got {
		assert.Equal(t, uint64(i+1), f.FrameID)
		assert.Equal(t, cam, f.Sensor)
		assert.Equal(t, types.LayoutBGRA, f.Layout)
		assert.Len(t, f.Raw, 8*6*4)
		assert.Equal(t, byte(255), f.Raw[3])
	}

	moved, ok := w.Transform(vehicle)
	require.True(t, ok)
	assert.NotEqual(t, points[0].Location, moved.Location)
}

func TestWaitForStep(t *testing.T) {
	w := connectedWorld(t, DefaultConfig())

	done := make(chan types.Tick, 1)
	go func() {
		tick, err := w.WaitForStep(context.Background())
		if err == nil {
			done <- tick
		}
	}()

	require.Eventually(t, func() bool {
		w.Step()
		select {
		case tick := <-done:
			assert.Positive(t, tick.Frame)
			assert.InDelta(t, 0.05, tick.Delta, 1e-9)
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.WaitForStep(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, w.Close())
	_, err = w.WaitForStep(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestSessionAgainstWorld(t *testing.T) {
	w := New(Config{SpawnPoints: 4, Seed: 3, TickRate: 200})
	defer w.Close()

	dir := t.TempDir()
	tags := []string{"front", "back", "left1", "left2", "right1", "right2"}
	rig := make([]types.SensorSpec, 0, len(tags))
	for _, tag := range tags {
		rig = append(rig, types.SensorSpec{Tag: tag})
	}
	s, err := capture.NewSession(w, capture.Options{
		Host:             "localhost",
		Port:             2000,
		Timeout:          time.Second,
		OutputDir:        dir,
		VehicleBlueprint: "vehicle.tesla.model3",
		Camera:           types.CameraSettings{Blueprint: "sensor.camera.rgb", Width: 8, Height: 6, FOV: 90},
		Rig:              rig,
		Rand:             rand.New(rand.NewSource(1)),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	done := make(chan error, 1)
	go func() { done <- s.Execute(ctx) }()

	require.Eventually(t, func() bool {
		for _, n := range s.Counters() {
			if n < 3 {
				return false
			}
		}
		return len(s.Counters()) == len(tags)
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}

	assert.Zero(t, w.ActorCount())
	for tag, n := range s.Counters() {
		entries, err := os.ReadDir(filepath.Join(dir, tag))
		require.NoError(t, err)
		assert.Len(t, entries, int(n), tag)
	}
}
