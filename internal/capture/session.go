// Package capture drives one multi-camera capture session against a
// simulator: connect, spawn the agent, attach the cameras, persist every
// delivered frame, and release all actors on exit.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"evolve-car-go/internal/output"
	"evolve-car-go/internal/processing"
	"evolve-car-go/internal/types"
)

const defaultTeardownTimeout = 10 * time.Second

type Options struct {
	Host    string
	Port    int
	Timeout time.Duration

	OutputDir        string
	VehicleBlueprint string
	Camera           types.CameraSettings
	Rig              []types.SensorSpec

	IdleInterval    time.Duration
	TeardownTimeout time.Duration

	// SessionID defaults to a random UUID.
	SessionID string
	// Rand picks the spawn placement. Defaults to a time-seeded source.
	Rand *rand.Rand
	// Writer defaults to a PNG writer with default compression.
	Writer *output.PNGWriter

	Recorder  RawRecorder
	OnWritten func(types.FrameRecord)
}

type metrics struct {
	framesDelivered atomic.Uint64
	framesWritten   atomic.Uint64
	writeErrors     atomic.Uint64
	recordErrors    atomic.Uint64
	droppedStopped  atomic.Uint64
	unknownTag      atomic.Uint64
	steps           atomic.Uint64
	lastStep        atomic.Uint64
}

// Session owns the agent, its cameras and the per-camera frame counters.
type Session struct {
	sim    Simulator
	opts   Options
	id     string
	logger zerolog.Logger
	writer *output.PNGWriter
	rng    *rand.Rand
	agg    *processing.Aggregator

	state atomic.Int32

	agent     types.ActorID
	hasAgent  bool
	placement types.Transform

	sensorsMu sync.RWMutex
	sensors   []*sensorState
	byTag     map[string]*sensorState

	closing      atomic.Bool
	teardownOnce sync.Once
	teardownErr  error

	metrics metrics
}

func NewSession(sim Simulator, opts Options) (*Session, error) {
	if sim == nil {
		return nil, errors.New("simulator is required")
	}
	if opts.OutputDir == "" {
		return nil, errors.New("output dir is required")
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaultTeardownTimeout
	}
	writer := opts.Writer
	if writer == nil {
		var err error
		if writer, err = output.NewPNGWriter("default"); err != nil {
			return nil, err
		}
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Session{
		sim:    sim,
		opts:   opts,
		id:     opts.SessionID,
		logger: log.With().Str("session", opts.SessionID).Logger(),
		writer: writer,
		rng:    rng,
		agg:    processing.NewAggregator(),
		byTag:  make(map[string]*sensorState, len(opts.Rig)),
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Agent returns the spawned agent and its placement.
func (s *Session) Agent() (types.ActorID, types.Transform, bool) {
	return s.agent, s.placement, s.hasAgent
}

func (s *Session) advance(op string, from, to State) error {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s requires %s, session is %s", ErrInvalidState, op, from, s.State())
	}
	return nil
}

func (s *Session) addr() string {
	return fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
}

// Connect opens the simulator session.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() != StateDisconnected {
		return fmt.Errorf("%w: connect requires %s, session is %s", ErrInvalidState, StateDisconnected, s.State())
	}
	if err := s.sim.Connect(ctx, s.opts.Host, s.opts.Port, s.opts.Timeout); err != nil {
		return &ConnectionError{Addr: s.addr(), Err: err}
	}
	s.logger.Info().Str("addr", s.addr()).Msg("connected to simulator")
	return s.advance("connect", StateDisconnected, StateConnected)
}

// SpawnAgent spawns the vehicle at a uniformly random placement and turns
// on its autopilot.
func (s *Session) SpawnAgent(ctx context.Context, placements []types.Transform) error {
	if s.State() != StateConnected {
		return fmt.Errorf("%w: spawn requires %s, session is %s", ErrInvalidState, StateConnected, s.State())
	}
	if s.hasAgent {
		return fmt.Errorf("%w: agent already spawned", ErrInvalidState)
	}
	if len(placements) == 0 {
		return &SpawnError{Err: ErrNoPlacements}
	}

	at := placements[s.rng.Intn(len(placements))]
	id, err := s.sim.Spawn(ctx, s.opts.VehicleBlueprint, at)
	if err != nil {
		return &SpawnError{Placement: &at, Err: err}
	}
	s.agent = id
	s.hasAgent = true
	s.placement = at
	s.logger.Info().
		Uint32("actor_id", uint32(id)).
		Str("blueprint", s.opts.VehicleBlueprint).
		Stringer("placement", at).
		Msg("vehicle spawned")

	if err := s.sim.SetAutopilot(ctx, id, true); err != nil {
		return &SpawnError{Placement: &at, Err: fmt.Errorf("enable autopilot: %w", err)}
	}
	return s.advance("spawn", StateConnected, StateAgentSpawned)
}

// AttachSensor creates the camera's output directory, spawns the camera on
// the agent and starts listening for its frames.
func (s *Session) AttachSensor(ctx context.Context, spec types.SensorSpec) error {
	if s.State() != StateAgentSpawned {
		return fmt.Errorf("%w: attach requires %s, session is %s", ErrInvalidState, StateAgentSpawned, s.State())
	}
	s.sensorsMu.RLock()
	_, dup := s.byTag[spec.Tag]
	s.sensorsMu.RUnlock()
	if dup {
		return &SensorAttachError{Tag: spec.Tag, Err: errors.New("tag already attached")}
	}

	dir := filepath.Join(s.opts.OutputDir, spec.Tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &SensorAttachError{Tag: spec.Tag, Err: err}
	}

	id, err := s.sim.AttachSensor(ctx, s.opts.Camera.Blueprint, s.opts.Camera.Attributes(), spec.Transform, s.agent)
	if err != nil {
		return &SensorAttachError{Tag: spec.Tag, Err: err}
	}

	// Registered before Listen so the first callback finds its state and
	// teardown releases the camera even if Listen fails.
	st := &sensorState{tag: spec.Tag, dir: dir, id: id}
	s.sensorsMu.Lock()
	s.sensors = append(s.sensors, st)
	s.byTag[spec.Tag] = st
	s.sensorsMu.Unlock()

	tag := spec.Tag
	if err := s.sim.Listen(ctx, id, func(frame types.Frame) { s.OnFrame(tag, frame) }); err != nil {
		return &SensorAttachError{Tag: spec.Tag, Err: fmt.Errorf("listen: %w", err)}
	}
	s.logger.Info().Str("tag", spec.Tag).Uint32("actor_id", uint32(id)).Msg("camera spawned and listening")
	return nil
}

// AttachRig attaches every camera of the configured rig. The first failure
// aborts; cameras attached so far stay registered for teardown.
func (s *Session) AttachRig(ctx context.Context) error {
	for _, spec := range s.opts.Rig {
		if err := s.AttachSensor(ctx, spec); err != nil {
			return err
		}
	}
	return s.advance("attach", StateAgentSpawned, StateSensorsAttached)
}

// Setup runs connect, spawn and attach.
func (s *Session) Setup(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	placements, err := s.sim.SpawnPoints(ctx)
	if err != nil {
		return &SpawnError{Err: fmt.Errorf("list spawn points: %w", err)}
	}
	if err := s.SpawnAgent(ctx, placements); err != nil {
		return err
	}
	return s.AttachRig(ctx)
}

// OnFrame persists one frame for tag. It is called by the simulator's
// delivery goroutines, concurrently for different tags.
func (s *Session) OnFrame(tag string, frame types.Frame) {
	s.metrics.framesDelivered.Add(1)

	s.sensorsMu.RLock()
	st := s.byTag[tag]
	s.sensorsMu.RUnlock()
	if st == nil {
		s.metrics.unknownTag.Add(1)
		s.logger.Warn().Str("tag", tag).Msg("frame for unknown camera dropped")
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped || s.closing.Load() {
		s.metrics.droppedStopped.Add(1)
		return
	}

	seq := st.next()
	path := output.FramePath(st.dir, seq)
	s.agg.AddFrame(tag, frame.FrameID, frame.Timestamp, len(frame.Raw))

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.Record(tag, frame); err != nil {
			s.metrics.recordErrors.Add(1)
			s.logger.Warn().Err(err).Str("tag", tag).Msg("raw log record failed")
		}
	}

	img, err := processing.ProcessFrame(frame)
	if err != nil {
		s.metrics.writeErrors.Add(1)
		s.logger.Error().Err(err).Str("tag", tag).Uint64("seq", seq).Msg("frame conversion failed")
		return
	}
	if err := s.writer.Write(path, img); err != nil {
		s.metrics.writeErrors.Add(1)
		s.logger.Error().Err(err).Str("tag", tag).Str("path", path).Msg("frame write failed")
		return
	}
	s.metrics.framesWritten.Add(1)
	s.logger.Debug().Str("tag", tag).Str("path", path).Msg("frame saved")

	if s.opts.OnWritten != nil {
		s.opts.OnWritten(types.FrameRecord{
			SessionID: s.id,
			Tag:       tag,
			Seq:       seq,
			Path:      path,
			SimFrame:  frame.FrameID,
			SimTime:   frame.Timestamp,
			WrittenAt: time.Now(),
		})
	}
}

// Run waits for simulation steps until ctx is cancelled. A cancelled
// context is a normal exit; any other step failure is returned.
func (s *Session) Run(ctx context.Context) error {
	if err := s.advance("run", StateSensorsAttached, StateRunning); err != nil {
		return err
	}
	s.logger.Info().Msg("capture running; interrupt to quit")

	var idle *time.Timer
	if s.opts.IdleInterval > 0 {
		idle = time.NewTimer(s.opts.IdleInterval)
		defer idle.Stop()
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		tick, err := s.sim.WaitForStep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for simulation step: %w", err)
		}
		s.metrics.steps.Add(1)
		s.metrics.lastStep.Store(tick.Frame)

		if idle == nil {
			continue
		}
		idle.Reset(s.opts.IdleInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		}
	}
}

// Execute runs the whole session. Teardown runs exactly once on every exit
// path with its own bounded context, so it still works after ctx has been
// cancelled by an interrupt.
func (s *Session) Execute(ctx context.Context) error {
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.TeardownTimeout)
		defer cancel()
		if terr := s.Teardown(tctx); terr != nil {
			s.logger.Warn().Err(terr).Msg("teardown finished with errors")
		}
	}()

	if err := s.Setup(ctx); err != nil {
		return err
	}
	return s.Run(ctx)
}

// Teardown stops and destroys every live camera, then the agent. Only the
// first call does anything. Actors that are already gone are skipped.
func (s *Session) Teardown(ctx context.Context) error {
	s.teardownOnce.Do(func() {
		s.teardownErr = s.teardown(ctx)
	})
	return s.teardownErr
}

func (s *Session) teardown(ctx context.Context) error {
	s.closing.Store(true)

	s.sensorsMu.RLock()
	sensors := append([]*sensorState(nil), s.sensors...)
	s.sensorsMu.RUnlock()

	// Wait for writes already in progress; later frames are dropped.
	for _, st := range sensors {
		st.mu.Lock()
		st.stopped = true
		st.mu.Unlock()
	}

	var errs []error
	for _, st := range sensors {
		alive, err := s.sim.IsAlive(ctx, st.id)
		if err != nil {
			// Unknown is not gone: still try to release it.
			s.logger.Warn().Err(err).Str("tag", st.tag).Msg("camera liveness unknown; destroying anyway")
			alive = true
		}
		if !alive {
			s.logger.Debug().Str("tag", st.tag).Msg("camera already gone")
			continue
		}
		if err := s.sim.Stop(ctx, st.id); err != nil {
			s.logger.Warn().Err(err).Str("tag", st.tag).Msg("camera stop failed")
		}
		if err := s.sim.Destroy(ctx, st.id); err != nil {
			errs = append(errs, fmt.Errorf("destroy camera %q: %w", st.tag, err))
			continue
		}
		s.logger.Info().Str("tag", st.tag).Msg("camera destroyed")
	}

	if s.hasAgent {
		alive, err := s.sim.IsAlive(ctx, s.agent)
		if err != nil {
			s.logger.Warn().Err(err).Msg("vehicle liveness unknown; destroying anyway")
			alive = true
		}
		switch {
		case !alive:
			s.logger.Debug().Msg("vehicle already gone")
		default:
			if err := s.sim.Destroy(ctx, s.agent); err != nil {
				errs = append(errs, fmt.Errorf("destroy vehicle: %w", err))
			} else {
				s.logger.Info().Uint32("actor_id", uint32(s.agent)).Msg("vehicle destroyed")
			}
		}
	}

	s.state.Store(int32(StateTornDown))
	s.logger.Info().
		Uint64("frames_written", s.metrics.framesWritten.Load()).
		Uint64("write_errors", s.metrics.writeErrors.Load()).
		Msg("all actors released")
	return errors.Join(errs...)
}

// Counters returns a copy of the per-tag frame counters.
func (s *Session) Counters() map[string]uint64 {
	s.sensorsMu.RLock()
	defer s.sensorsMu.RUnlock()
	out := make(map[string]uint64, len(s.sensors))
	for _, st := range s.sensors {
		out[st.tag] = st.count()
	}
	return out
}

// Tallies returns per-tag delivery statistics.
func (s *Session) Tallies() map[string]processing.TagStats {
	return s.agg.SnapshotCopy()
}

func (s *Session) Snapshot() map[string]any {
	return map[string]any{
		"frames_delivered_total":   s.metrics.framesDelivered.Load(),
		"frames_written_total":     s.metrics.framesWritten.Load(),
		"write_errors_total":       s.metrics.writeErrors.Load(),
		"record_errors_total":      s.metrics.recordErrors.Load(),
		"dropped_after_stop_total": s.metrics.droppedStopped.Load(),
		"unknown_tag_total":        s.metrics.unknownTag.Load(),
		"steps_total":              s.metrics.steps.Load(),
		"last_step":                s.metrics.lastStep.Load(),
	}
}
