package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog/log"

	"evolve-car-go/internal/dispatch"
	"evolve-car-go/internal/ingest"
	"evolve-car-go/internal/types"
)

var (
	ErrNotConnected = errors.New("bridge client is not connected")
	ErrStreamClosed = errors.New("simulator stream closed")
)

type ClientOptions struct {
	QueueSize int
	LogEvery  int
}

// Client talks to a bridge server. It implements the capture backend.
type Client struct {
	opts     ClientOptions
	dispatch *dispatch.Dispatcher
	stats    ingest.Stats

	reqMu    sync.Mutex
	req      *zmq4.Socket
	endpoint string
	timeout  time.Duration

	stepMu  sync.Mutex
	tick    types.Tick
	stepped chan struct{}
	ended   bool

	world      types.WorldInfo
	cancel     context.CancelFunc
	streamDone chan struct{}
}

func NewClient(opts ClientOptions) *Client {
	return &Client{
		opts:     opts,
		dispatch: dispatch.New(opts.QueueSize),
		stepped:  make(chan struct{}),
	}
}

// Connect asks the server for its world and subscribes to the stream.
func (c *Client) Connect(ctx context.Context, host string, port int, timeout time.Duration) error {
	c.reqMu.Lock()
	if c.endpoint != "" {
		c.reqMu.Unlock()
		return errors.New("bridge client already connected")
	}
	c.endpoint = "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
	c.timeout = timeout
	c.reqMu.Unlock()

	resp, err := c.call(ctx, Request{Op: OpGetWorld})
	if err != nil {
		c.reset()
		return err
	}
	if resp.World == nil || resp.World.StreamPort == 0 {
		c.reset()
		return errors.New("get_world: reply without stream port")
	}
	c.world = *resp.World

	streamCtx, cancel := context.WithCancel(context.Background())
	messages, err := ingest.Stream(streamCtx, "tcp://"+net.JoinHostPort(host, strconv.Itoa(c.world.StreamPort)), ingest.Options{
		LogEvery: c.opts.LogEvery,
		Stats:    &c.stats,
	})
	if err != nil {
		cancel()
		c.reset()
		return fmt.Errorf("subscribe to stream: %w", err)
	}
	c.cancel = cancel
	c.streamDone = make(chan struct{})
	go c.consume(messages)

	log.Info().Str("endpoint", c.endpoint).Str("map", c.world.Map).Int("stream_port", c.world.StreamPort).Msg("bridge connected")
	return nil
}

func (c *Client) reset() {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.discard()
	c.endpoint = ""
}

func (c *Client) consume(messages <-chan ingest.Message) {
	defer close(c.streamDone)
	for msg := range messages {
		switch msg.Type {
		case ingest.TypeTick:
			c.stepMu.Lock()
			c.tick = *msg.Tick
			close(c.stepped)
			c.stepped = make(chan struct{})
			c.stepMu.Unlock()
		case ingest.TypeImage:
			c.dispatch.Deliver(*msg.Frame)
		}
	}
	c.stepMu.Lock()
	c.ended = true
	close(c.stepped)
	c.stepMu.Unlock()
}

// World returns the server's world info after Connect.
func (c *Client) World() types.WorldInfo {
	return c.world
}

// discard drops the REQ socket. Must be called with reqMu held.
func (c *Client) discard() {
	if c.req != nil {
		_ = c.req.Close()
		c.req = nil
	}
}

// call performs one request. A REQ socket that failed or timed out is left
// in an unusable state, so it is discarded and recreated on the next call.
func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.endpoint == "" {
		return Response{}, ErrNotConnected
	}

	wait := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if wait <= 0 {
		return Response{}, fmt.Errorf("%s: %w", req.Op, context.DeadlineExceeded)
	}

	if c.req == nil {
		socket, err := zmq4.NewSocket(zmq4.REQ)
		if err != nil {
			return Response{}, err
		}
		if err := socket.SetLinger(0); err != nil {
			_ = socket.Close()
			return Response{}, err
		}
		if err := socket.Connect(c.endpoint); err != nil {
			_ = socket.Close()
			return Response{}, err
		}
		c.req = socket
	}
	if err := c.req.SetSndtimeo(wait); err != nil {
		c.discard()
		return Response{}, err
	}
	if err := c.req.SetRcvtimeo(wait); err != nil {
		c.discard()
		return Response{}, err
	}

	payload, err := cbor.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.req.SendBytes(payload, 0); err != nil {
		c.discard()
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return Response{}, fmt.Errorf("%s: send timed out after %s", req.Op, wait)
		}
		return Response{}, fmt.Errorf("%s: send: %w", req.Op, err)
	}
	reply, err := c.req.RecvBytes(0)
	if err != nil {
		c.discard()
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return Response{}, fmt.Errorf("%s: no reply within %s", req.Op, wait)
		}
		return Response{}, fmt.Errorf("%s: receive: %w", req.Op, err)
	}

	var resp Response
	if err := cbor.Unmarshal(reply, &resp); err != nil {
		return Response{}, fmt.Errorf("%s: decode reply: %w", req.Op, err)
	}
	if !resp.OK {
		return resp, &RemoteError{Op: req.Op, Message: resp.Error}
	}
	return resp, nil
}

func (c *Client) SpawnPoints(ctx context.Context) ([]types.Transform, error) {
	resp, err := c.call(ctx, Request{Op: OpSpawnPoints})
	if err != nil {
		return nil, err
	}
	return resp.SpawnPoints, nil
}

func (c *Client) Spawn(ctx context.Context, blueprint string, at types.Transform) (types.ActorID, error) {
	resp, err := c.call(ctx, Request{Op: OpSpawnActor, Blueprint: blueprint, Transform: &at})
	if err != nil {
		return 0, err
	}
	return types.ActorID(resp.ID), nil
}

func (c *Client) SetAutopilot(ctx context.Context, id types.ActorID, enabled bool) error {
	_, err := c.call(ctx, Request{Op: OpSetAutopilot, ID: uint32(id), Enabled: enabled})
	return err
}

func (c *Client) AttachSensor(ctx context.Context, blueprint string, attrs map[string]string, at types.Transform, parent types.ActorID) (types.ActorID, error) {
	resp, err := c.call(ctx, Request{
		Op:         OpSpawnActor,
		Blueprint:  blueprint,
		Transform:  &at,
		Parent:     uint32(parent),
		Attributes: attrs,
	})
	if err != nil {
		return 0, err
	}
	return types.ActorID(resp.ID), nil
}

// Listen registers fn locally before asking the server to publish, so the
// first image is not missed.
func (c *Client) Listen(ctx context.Context, sensor types.ActorID, fn types.FrameHandler) error {
	c.dispatch.Listen(sensor, fn)
	if _, err := c.call(ctx, Request{Op: OpListen, ID: uint32(sensor)}); err != nil {
		c.dispatch.Stop(sensor)
		return err
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, sensor types.ActorID) error {
	_, err := c.call(ctx, Request{Op: OpStop, ID: uint32(sensor)})
	c.dispatch.Stop(sensor)
	return err
}

func (c *Client) Destroy(ctx context.Context, id types.ActorID) error {
	c.dispatch.Stop(id)
	_, err := c.call(ctx, Request{Op: OpDestroy, ID: uint32(id)})
	return err
}

func (c *Client) IsAlive(ctx context.Context, id types.ActorID) (bool, error) {
	resp, err := c.call(ctx, Request{Op: OpIsAlive, ID: uint32(id)})
	if err != nil {
		return false, err
	}
	return resp.Alive, nil
}

func (c *Client) WaitForStep(ctx context.Context) (types.Tick, error) {
	c.stepMu.Lock()
	if c.ended {
		c.stepMu.Unlock()
		return types.Tick{}, ErrStreamClosed
	}
	ch := c.stepped
	c.stepMu.Unlock()

	select {
	case <-ctx.Done():
		return types.Tick{}, ctx.Err()
	case <-ch:
	}

	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	if c.ended {
		return types.Tick{}, ErrStreamClosed
	}
	return c.tick, nil
}

// Stats reports stream and delivery counters.
func (c *Client) Stats() map[string]any {
	out := c.stats.Snapshot()
	out["frames_dropped_total"] = c.dispatch.Dropped()
	out["frames_dispatched_total"] = c.dispatch.Delivered()
	return out
}

func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.streamDone
	}
	c.dispatch.Close()
	c.reqMu.Lock()
	c.discard()
	c.reqMu.Unlock()
	return nil
}
