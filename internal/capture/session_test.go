package capture

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evolve-car-go/internal/types"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

var sixTags = []string{"front", "back", "left1", "left2", "right1", "right2"}

// fakeSim is a scriptable Simulator. Frames are delivered by the test
// calling deliver, from whatever goroutine it chooses.
type fakeSim struct {
	mu sync.Mutex

	connectErr   error
	placements   []types.Transform
	pointsErr    error
	spawnErr     error
	autopilotErr error
	attachFailAt int
	listenErr    error
	destroyErr   error
	aliveErr     error

	nextID    types.ActorID
	alive     map[types.ActorID]bool
	handlers  map[types.ActorID]types.FrameHandler
	sensors   []types.ActorID
	autopilot map[types.ActorID]bool
	spawnedAt []types.Transform
	calls     []string

	steps   chan types.Tick
	stepErr error
}

func newFakeSim() *fakeSim {
	return &fakeSim{
		placements: []types.Transform{{Location: types.Location{X: 10, Y: 20, Z: 0.5}}},
		nextID:     100,
		alive:      make(map[types.ActorID]bool),
		handlers:   make(map[types.ActorID]types.FrameHandler),
		autopilot:  make(map[types.ActorID]bool),
		steps:      make(chan types.Tick, 16),
	}
}

func (f *fakeSim) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeSim) Connect(_ context.Context, host string, port int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect %s:%d", host, port)
	return f.connectErr
}

func (f *fakeSim) SpawnPoints(context.Context) ([]types.Transform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placements, f.pointsErr
}

func (f *fakeSim) Spawn(_ context.Context, blueprint string, at types.Transform) (types.ActorID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.nextID++
	f.alive[f.nextID] = true
	f.spawnedAt = append(f.spawnedAt, at)
	f.record("spawn %s %d", blueprint, f.nextID)
	return f.nextID, nil
}

func (f *fakeSim) SetAutopilot(_ context.Context, id types.ActorID, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.autopilotErr != nil {
		return f.autopilotErr
	}
	f.autopilot[id] = enabled
	return nil
}

func (f *fakeSim) AttachSensor(_ context.Context, blueprint string, attrs map[string]string, _ types.Transform, parent types.ActorID) (types.ActorID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachFailAt > 0 && len(f.sensors)+1 == f.attachFailAt {
		return 0, errors.New("attach rejected")
	}
	if !f.alive[parent] {
		return 0, fmt.Errorf("parent %d not alive", parent)
	}
	if attrs["image_size_x"] != "800" || attrs["image_size_y"] != "600" || attrs["fov"] != "90" {
		return 0, fmt.Errorf("unexpected attributes %v", attrs)
	}
	f.nextID++
	f.alive[f.nextID] = true
	f.sensors = append(f.sensors, f.nextID)
	f.record("attach %s %d", blueprint, f.nextID)
	return f.nextID, nil
}

func (f *fakeSim) Listen(_ context.Context, sensor types.ActorID, fn types.FrameHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	f.handlers[sensor] = fn
	return nil
}

func (f *fakeSim) Stop(_ context.Context, sensor types.ActorID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, sensor)
	f.record("stop %d", sensor)
	return nil
}

func (f *fakeSim) Destroy(_ context.Context, id types.ActorID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	if !f.alive[id] {
		return fmt.Errorf("actor %d not found", id)
	}
	f.alive[id] = false
	f.record("destroy %d", id)
	return nil
}

func (f *fakeSim) IsAlive(_ context.Context, id types.ActorID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aliveErr != nil {
		return false, f.aliveErr
	}
	return f.alive[id], nil
}

func (f *fakeSim) WaitForStep(ctx context.Context) (types.Tick, error) {
	if f.stepErr != nil {
		return types.Tick{}, f.stepErr
	}
	select {
	case <-ctx.Done():
		return types.Tick{}, ctx.Err()
	case tick := <-f.steps:
		return tick, nil
	}
}

func (f *fakeSim) Close() error {
	return nil
}

// handler returns the registered callback of the n-th attached sensor,
// bypassing the session so the test acts as the simulator.
func (f *fakeSim) handler(t *testing.T, n int) types.FrameHandler {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Less(t, n, len(f.sensors))
	fn, ok := f.handlers[f.sensors[n]]
	require.True(t, ok, "sensor %d has no handler", n)
	return fn
}

func (f *fakeSim) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testRig(tags ...string) []types.SensorSpec {
	rig := make([]types.SensorSpec, 0, len(tags))
	for i, tag := range tags {
		rig = append(rig, types.SensorSpec{
			Tag:       tag,
			Transform: types.Transform{Location: types.Location{X: float64(i)}},
		})
	}
	return rig
}

func testFrame(id uint64) types.Frame {
	raw := make([]byte, 2*2*4)
	for i := range raw {
		raw[i] = byte(id) + byte(i)
	}
	return types.Frame{FrameID: id, Timestamp: float64(id) * 0.05, Width: 2, Height: 2, Layout: types.LayoutBGRA, Raw: raw}
}

func newTestSession(t *testing.T, sim Simulator, mutate ...func(*Options)) (*Session, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "multi_cameras")
	opts := Options{
		Host:             "localhost",
		Port:             2000,
		Timeout:          time.Second,
		OutputDir:        dir,
		VehicleBlueprint: "vehicle.tesla.model3",
		Camera:           types.CameraSettings{Blueprint: "sensor.camera.rgb", Width: 800, Height: 600, FOV: 90},
		Rig:              testRig(sixTags...),
		IdleInterval:     time.Millisecond,
		Rand:             rand.New(rand.NewSource(1)),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	s, err := NewSession(sim, opts)
	require.NoError(t, err)
	return s, dir
}

func listFrames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func frameNames(n int) []string {
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, fmt.Sprintf("frame_%05d.png", i))
	}
	return names
}

func TestScenarioFrontAndBack(t *testing.T) {
	sim := newFakeSim()
	s, dir := newTestSession(t, sim)
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx))
	assert.Equal(t, StateSensorsAttached, s.State())

	agent, at, ok := s.Agent()
	require.True(t, ok)
	assert.Equal(t, sim.placements[0], at)
	assert.True(t, sim.autopilot[agent])

	front := sim.handler(t, 0)
	back := sim.handler(t, 1)
	for i := 0; i < 10; i++ {
		front(testFrame(uint64(i)))
	}
	for i := 0; i < 3; i++ {
		back(testFrame(uint64(i)))
	}

	require.NoError(t, s.Teardown(ctx))

	if diff := cmp.Diff(frameNames(10), listFrames(t, filepath.Join(dir, "front"))); diff != "" {
		t.Fatalf("front frames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(frameNames(3), listFrames(t, filepath.Join(dir, "back"))); diff != "" {
		t.Fatalf("back frames mismatch (-want +got):\n%s", diff)
	}
	for _, tag := range sixTags[2:] {
		assert.Empty(t, listFrames(t, filepath.Join(dir, tag)), tag)
	}

	assert.Equal(t, map[string]uint64{
		"front": 10, "back": 3, "left1": 0, "left2": 0, "right1": 0, "right2": 0,
	}, s.Counters())
	assert.Equal(t, uint64(13), s.Snapshot()["frames_written_total"])
	assert.Equal(t, uint64(10), s.Tallies()["front"].Frames)
}

func TestCountersIndependent(t *testing.T) {
	sim := newFakeSim()
	s, dir := newTestSession(t, sim)
	require.NoError(t, s.Setup(context.Background()))

	front := sim.handler(t, 0)
	for i := 0; i < 4; i++ {
		front(testFrame(uint64(i)))
	}

	counters := s.Counters()
	assert.Equal(t, uint64(4), counters["front"])
	for _, tag := range sixTags[1:] {
		assert.Zero(t, counters[tag], tag)
		assert.Empty(t, listFrames(t, filepath.Join(dir, tag)), tag)
	}
}

func TestEmptyPlacementsFailsWithoutDirectories(t *testing.T) {
	sim := newFakeSim()
	sim.placements = nil
	s, dir := newTestSession(t, sim)

	err := s.Setup(context.Background())
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, ErrNoPlacements)
	assert.Nil(t, spawnErr.Placement)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "output dir must not exist")

	require.NoError(t, s.Teardown(context.Background()))
	assert.Equal(t, []string{"connect localhost:2000"}, sim.callLog())
}

func TestConnectFailure(t *testing.T) {
	sim := newFakeSim()
	sim.connectErr = errors.New("timed out after 1s")
	s, _ := newTestSession(t, sim)

	err := s.Setup(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "localhost:2000", connErr.Addr)
	assert.Equal(t, StateDisconnected, s.State())

	require.NoError(t, s.Teardown(context.Background()))
	require.NoError(t, s.Teardown(context.Background()))
	assert.Equal(t, StateTornDown, s.State())
	assert.Equal(t, []string{"connect localhost:2000"}, sim.callLog())
}

func TestSpawnRejected(t *testing.T) {
	sim := newFakeSim()
	sim.spawnErr = errors.New("spawn failed because of collision at spawn position")
	s, _ := newTestSession(t, sim)

	err := s.Setup(context.Background())
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.NotNil(t, spawnErr.Placement)
	assert.Equal(t, sim.placements[0], *spawnErr.Placement)
	assert.Contains(t, err.Error(), "collision")

	require.NoError(t, s.Teardown(context.Background()))
	assert.Equal(t, []string{"connect localhost:2000"}, sim.callLog())
}

func TestAutopilotFailureStillReleasesAgent(t *testing.T) {
	sim := newFakeSim()
	sim.autopilotErr = errors.New("traffic manager unavailable")
	s, _ := newTestSession(t, sim)

	err := s.Setup(context.Background())
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)

	require.NoError(t, s.Teardown(context.Background()))
	assert.Equal(t, []string{
		"connect localhost:2000",
		"spawn vehicle.tesla.model3 101",
		"destroy 101",
	}, sim.callLog())
}

func TestPartialAttachFailureTearsDownCreatedActors(t *testing.T) {
	sim := newFakeSim()
	sim.attachFailAt = 3
	s, dir := newTestSession(t, sim)

	err := s.Setup(context.Background())
	var attachErr *SensorAttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, "left1", attachErr.Tag)
	assert.Equal(t, StateAgentSpawned, s.State())

	require.NoError(t, s.Teardown(context.Background()))
	assert.Equal(t, []string{
		"connect localhost:2000",
		"spawn vehicle.tesla.model3 101",
		"attach sensor.camera.rgb 102",
		"attach sensor.camera.rgb 103",
		"stop 102",
		"destroy 102",
		"stop 103",
		"destroy 103",
		"destroy 101",
	}, sim.callLog())

	// The failed camera's directory was created before the attach request.
	assert.DirExists(t, filepath.Join(dir, "left1"))
	assert.NoDirExists(t, filepath.Join(dir, "left2"))
}

func TestListenFailureReleasesCamera(t *testing.T) {
	sim := newFakeSim()
	sim.listenErr = errors.New("stream closed")
	s, _ := newTestSession(t, sim)

	err := s.Setup(context.Background())
	var attachErr *SensorAttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, "front", attachErr.Tag)

	require.NoError(t, s.Teardown(context.Background()))
	calls := sim.callLog()
	assert.Equal(t, []string{"stop 102", "destroy 102", "destroy 101"}, calls[len(calls)-3:])
}

func TestTeardownSkipsDeadActorsAndRunsOnce(t *testing.T) {
	sim := newFakeSim()
	s, _ := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front", "back") })
	require.NoError(t, s.Setup(context.Background()))

	// The simulator already removed the front camera.
	sim.mu.Lock()
	sim.alive[sim.sensors[0]] = false
	sim.mu.Unlock()

	require.NoError(t, s.Teardown(context.Background()))
	first := sim.callLog()
	require.NoError(t, s.Teardown(context.Background()))
	assert.Equal(t, first, sim.callLog())

	assert.Equal(t, []string{"stop 103", "destroy 103", "destroy 101"}, first[len(first)-3:])
	assert.NotContains(t, first, "destroy 102")
}

func TestTeardownDestroysActorsWithUnknownLiveness(t *testing.T) {
	sim := newFakeSim()
	s, _ := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front", "back") })
	require.NoError(t, s.Setup(context.Background()))

	sim.mu.Lock()
	sim.aliveErr = errors.New("no reply within 10s")
	sim.mu.Unlock()

	require.NoError(t, s.Teardown(context.Background()))
	calls := sim.callLog()
	assert.Equal(t, []string{"stop 102", "destroy 102", "stop 103", "destroy 103", "destroy 101"}, calls[len(calls)-5:])

	sim.mu.Lock()
	defer sim.mu.Unlock()
	for id, alive := range sim.alive {
		assert.False(t, alive, "actor %d leaked", id)
	}
}

func TestTeardownReportsDestroyFailures(t *testing.T) {
	sim := newFakeSim()
	s, _ := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front") })
	require.NoError(t, s.Setup(context.Background()))

	sim.mu.Lock()
	sim.destroyErr = errors.New("rpc timeout")
	sim.mu.Unlock()

	err := s.Teardown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destroy camera \"front\"")
	assert.Contains(t, err.Error(), "destroy vehicle")
	assert.Equal(t, StateTornDown, s.State())
}

func TestRunStopsOnInterrupt(t *testing.T) {
	sim := newFakeSim()
	s, dir := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front", "back") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Execute(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateRunning }, 2*time.Second, time.Millisecond)
	sim.steps <- types.Tick{Frame: 1}
	sim.steps <- types.Tick{Frame: 2}
	front := sim.handler(t, 0)
	front(testFrame(1))
	front(testFrame(2))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit after interrupt")
	}
	assert.Equal(t, StateTornDown, s.State())

	// A late callback after teardown writes nothing.
	front(testFrame(3))
	assert.Equal(t, frameNames(2), listFrames(t, filepath.Join(dir, "front")))
	assert.Equal(t, uint64(2), s.Counters()["front"])
	assert.Equal(t, uint64(1), s.Snapshot()["dropped_after_stop_total"])

	calls := sim.callLog()
	assert.Equal(t, []string{"stop 102", "destroy 102", "stop 103", "destroy 103", "destroy 101"}, calls[len(calls)-5:])
}

func TestExecuteTearsDownOnStepFailure(t *testing.T) {
	sim := newFakeSim()
	sim.stepErr = errors.New("connection reset")
	s, _ := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front") })

	err := s.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, StateTornDown, s.State())

	calls := sim.callLog()
	assert.Equal(t, "destroy 101", calls[len(calls)-1])
}

func TestWriteFailureIsLocalToOneFrame(t *testing.T) {
	sim := newFakeSim()
	s, dir := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front", "back") })
	require.NoError(t, s.Setup(context.Background()))

	// Replace the front directory with a plain file so writes fail.
	frontDir := filepath.Join(dir, "front")
	require.NoError(t, os.RemoveAll(frontDir))
	require.NoError(t, os.WriteFile(frontDir, nil, 0o644))

	sim.handler(t, 0)(testFrame(0))
	sim.handler(t, 1)(testFrame(0))
	sim.handler(t, 1)(testFrame(1))

	assert.Equal(t, frameNames(2), listFrames(t, filepath.Join(dir, "back")))
	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap["write_errors_total"])
	assert.Equal(t, uint64(2), snap["frames_written_total"])
	assert.Equal(t, uint64(1), s.Counters()["front"])
}

func TestBadFrameCountsAsWriteError(t *testing.T) {
	sim := newFakeSim()
	s, dir := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front") })
	require.NoError(t, s.Setup(context.Background()))

	bad := testFrame(0)
	bad.Raw = bad.Raw[:5]
	sim.handler(t, 0)(bad)
	sim.handler(t, 0)(testFrame(1))

	assert.Equal(t, []string{"frame_00001.png"}, listFrames(t, filepath.Join(dir, "front")))
	assert.Equal(t, uint64(1), s.Snapshot()["write_errors_total"])
}

func TestOverflowingFrameSizeCountsAsWriteError(t *testing.T) {
	sim := newFakeSim()
	s, dir := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front") })
	require.NoError(t, s.Setup(context.Background()))

	huge := testFrame(0)
	huge.Width, huge.Height, huge.Raw = 1<<62, 4, []byte{}
	require.NotPanics(t, func() { sim.handler(t, 0)(huge) })
	sim.handler(t, 0)(testFrame(1))

	assert.Equal(t, []string{"frame_00001.png"}, listFrames(t, filepath.Join(dir, "front")))
	assert.Equal(t, uint64(1), s.Snapshot()["write_errors_total"])
}

func TestConcurrentDelivery(t *testing.T) {
	sim := newFakeSim()
	s, dir := newTestSession(t, sim)
	require.NoError(t, s.Setup(context.Background()))

	const perTag = 25
	var wg sync.WaitGroup
	for n := range sixTags {
		fn := sim.handler(t, n)
		// Two producers per tag exercise the same-tag guard.
		for p := 0; p < 2; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perTag; i++ {
					fn(testFrame(uint64(i)))
				}
			}()
		}
	}
	wg.Wait()

	for _, tag := range sixTags {
		assert.Equal(t, frameNames(2*perTag), listFrames(t, filepath.Join(dir, tag)), tag)
		assert.Equal(t, uint64(2*perTag), s.Counters()[tag], tag)
	}
}

func TestHooks(t *testing.T) {
	sim := newFakeSim()
	rec := &memRecorder{}
	var mu sync.Mutex
	var written []types.FrameRecord
	s, dir := newTestSession(t, sim, func(o *Options) {
		o.Rig = testRig("front")
		o.SessionID = "session-1"
		o.Recorder = rec
		o.OnWritten = func(r types.FrameRecord) {
			mu.Lock()
			written = append(written, r)
			mu.Unlock()
		}
	})
	require.NoError(t, s.Setup(context.Background()))

	sim.handler(t, 0)(testFrame(7))
	sim.handler(t, 0)(testFrame(8))

	require.Len(t, written, 2)
	assert.Equal(t, "session-1", written[1].SessionID)
	assert.Equal(t, uint64(1), written[1].Seq)
	assert.Equal(t, uint64(8), written[1].SimFrame)
	assert.Equal(t, filepath.Join(dir, "front", "frame_00001.png"), written[1].Path)
	assert.Equal(t, []string{"front", "front"}, rec.tags)
}

func TestUnknownTagDropped(t *testing.T) {
	sim := newFakeSim()
	s, _ := newTestSession(t, sim, func(o *Options) { o.Rig = testRig("front") })
	require.NoError(t, s.Setup(context.Background()))

	s.OnFrame("roof", testFrame(0))
	assert.Equal(t, uint64(1), s.Snapshot()["unknown_tag_total"])
	assert.Equal(t, uint64(0), s.Counters()["front"])
}

func TestInvalidStateTransitions(t *testing.T) {
	sim := newFakeSim()
	s, _ := newTestSession(t, sim)
	ctx := context.Background()

	require.ErrorIs(t, s.Run(ctx), ErrInvalidState)
	require.ErrorIs(t, s.AttachSensor(ctx, testRig("front")[0]), ErrInvalidState)
	require.ErrorIs(t, s.SpawnAgent(ctx, sim.placements), ErrInvalidState)

	require.NoError(t, s.Connect(ctx))
	require.ErrorIs(t, s.Connect(ctx), ErrInvalidState)
	require.NoError(t, s.SpawnAgent(ctx, sim.placements))
	require.ErrorIs(t, s.SpawnAgent(ctx, sim.placements), ErrInvalidState)

	require.NoError(t, s.AttachSensor(ctx, testRig("front")[0]))
	var attachErr *SensorAttachError
	require.ErrorAs(t, s.AttachSensor(ctx, testRig("front")[0]), &attachErr)
}

func TestPlacementChoiceIsUniform(t *testing.T) {
	placements := make([]types.Transform, 4)
	for i := range placements {
		placements[i] = types.Transform{Location: types.Location{X: float64(i)}}
	}
	rng := rand.New(rand.NewSource(42))
	seen := map[float64]int{}
	for i := 0; i < 200; i++ {
		sim := newFakeSim()
		s, _ := newTestSession(t, sim, func(o *Options) { o.Rand = rng })
		require.NoError(t, s.Connect(context.Background()))
		require.NoError(t, s.SpawnAgent(context.Background(), placements))
		seen[sim.spawnedAt[0].Location.X]++
	}
	require.Len(t, seen, 4)
	for x, n := range seen {
		assert.Greater(t, n, 20, "placement %v chosen too rarely", x)
	}
}

type memRecorder struct {
	mu   sync.Mutex
	tags []string
}

func (m *memRecorder) Record(tag string, _ types.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = append(m.tags, tag)
	return nil
}
