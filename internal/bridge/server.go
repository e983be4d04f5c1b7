package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"evolve-car-go/internal/capture"
	"evolve-car-go/internal/ingest"
	"evolve-car-go/internal/types"
)

const pollInterval = 250 * time.Millisecond

type ServerOptions struct {
	ControlEndpoint string
	StreamEndpoint  string
	// StreamPort is announced to clients in get_world.
	StreamPort  int
	Map         string
	Compression string
	LogEvery    int
}

// Server serves a backend to bridge clients. Requests are handled one at a
// time; images and ticks are published from backend goroutines.
type Server struct {
	backend capture.Simulator
	opts    ServerOptions

	pubMu sync.Mutex
	pub   *zmq4.Socket

	sometimes rate.Sometimes
}

func NewServer(backend capture.Simulator, opts ServerOptions) *Server {
	if opts.LogEvery < 1 {
		opts.LogEvery = 1
	}
	return &Server{
		backend:   backend,
		opts:      opts,
		sometimes: rate.Sometimes{First: 1, Every: opts.LogEvery},
	}
}

// Serve binds both sockets and handles requests until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.backend.Connect(ctx, "", 0, 0); err != nil {
		return fmt.Errorf("connect backend: %w", err)
	}

	rep, err := zmq4.NewSocket(zmq4.REP)
	if err != nil {
		return err
	}
	defer rep.Close()
	if err := rep.SetLinger(0); err != nil {
		return err
	}
	if err := rep.SetRcvtimeo(pollInterval); err != nil {
		return err
	}
	if err := rep.Bind(s.opts.ControlEndpoint); err != nil {
		return fmt.Errorf("bind control %s: %w", s.opts.ControlEndpoint, err)
	}

	pub, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	if err := pub.SetLinger(0); err != nil {
		_ = pub.Close()
		return err
	}
	if err := pub.Bind(s.opts.StreamEndpoint); err != nil {
		_ = pub.Close()
		return fmt.Errorf("bind stream %s: %w", s.opts.StreamEndpoint, err)
	}
	s.pubMu.Lock()
	s.pub = pub
	s.pubMu.Unlock()
	defer func() {
		s.pubMu.Lock()
		_ = s.pub.Close()
		s.pub = nil
		s.pubMu.Unlock()
	}()

	tickCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.publishTicks(tickCtx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	log.Info().
		Str("control", s.opts.ControlEndpoint).
		Str("stream", s.opts.StreamEndpoint).
		Str("map", s.opts.Map).
		Msg("bridge serving")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := rep.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			return fmt.Errorf("control receive: %w", err)
		}

		var resp Response
		var req Request
		if err := cbor.Unmarshal(msg, &req); err != nil {
			resp = failure(fmt.Errorf("decode request: %w", err))
		} else {
			resp = s.Handle(ctx, req)
		}
		reply, err := cbor.Marshal(resp)
		if err != nil {
			return err
		}
		if _, err := rep.SendBytes(reply, 0); err != nil {
			return fmt.Errorf("control send: %w", err)
		}
	}
}

func (s *Server) publishTicks(ctx context.Context) {
	for {
		tick, err := s.backend.WaitForStep(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("backend stopped stepping")
			}
			return
		}
		payload, err := ingest.EncodeTick(tick)
		if err != nil {
			continue
		}
		s.publish(payload)
	}
}

func (s *Server) publish(payload []byte) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.pub == nil {
		return
	}
	if _, err := s.pub.SendBytes(payload, zmq4.DONTWAIT); err != nil {
		s.sometimes.Do(func() {
			log.Warn().Err(err).Msg("stream publish failed")
		})
	}
}

func (s *Server) publishFrame(frame types.Frame) {
	payload, err := ingest.EncodeImage(frame, s.opts.Compression)
	if err != nil {
		s.sometimes.Do(func() {
			log.Warn().Err(err).Uint32("sensor", uint32(frame.Sensor)).Msg("image encode failed")
		})
		return
	}
	s.publish(payload)
}

// Handle executes one control request against the backend.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	id := types.ActorID(req.ID)
	switch req.Op {
	case OpGetWorld:
		return Response{OK: true, World: &types.WorldInfo{Map: s.opts.Map, StreamPort: s.opts.StreamPort}}
	case OpSpawnPoints:
		points, err := s.backend.SpawnPoints(ctx)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, SpawnPoints: points}
	case OpSpawnActor:
		if req.Transform == nil {
			return failure(errors.New("spawn_actor requires a transform"))
		}
		var (
			newID types.ActorID
			err   error
		)
		if req.Parent != 0 {
			newID, err = s.backend.AttachSensor(ctx, req.Blueprint, req.Attributes, *req.Transform, types.ActorID(req.Parent))
		} else {
			newID, err = s.backend.Spawn(ctx, req.Blueprint, *req.Transform)
		}
		if err != nil {
			return failure(err)
		}
		log.Debug().Str("blueprint", req.Blueprint).Uint32("actor_id", uint32(newID)).Msg("actor spawned")
		return Response{OK: true, ID: uint32(newID)}
	case OpSetAutopilot:
		if err := s.backend.SetAutopilot(ctx, id, req.Enabled); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	case OpListen:
		if err := s.backend.Listen(ctx, id, s.publishFrame); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	case OpStop:
		if err := s.backend.Stop(ctx, id); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	case OpDestroy:
		if err := s.backend.Destroy(ctx, id); err != nil {
			return failure(err)
		}
		log.Debug().Uint32("actor_id", uint32(id)).Msg("actor destroyed")
		return Response{OK: true}
	case OpIsAlive:
		alive, err := s.backend.IsAlive(ctx, id)
		if err != nil {
			return failure(err)
		}
		return Response{OK: true, Alive: alive}
	default:
		return failure(fmt.Errorf("unknown op %q", req.Op))
	}
}
