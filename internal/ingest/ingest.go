// Package ingest decodes the simulator bridge stream: tick and image
// messages published as CBOR over a ZeroMQ SUB socket.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"evolve-car-go/internal/types"
)

const (
	TypeTick  = "tick"
	TypeImage = "image"

	defaultRecvTimeout = 250 * time.Millisecond
)

// wireMessage is the CBOR shape of every stream message. Fields unused by
// a message type are omitted.
type wireMessage struct {
	Type      string  `cbor:"type"`
	Frame     uint64  `cbor:"frame"`
	Elapsed   float64 `cbor:"elapsed,omitempty"`
	Delta     float64 `cbor:"delta,omitempty"`
	Sensor    uint32  `cbor:"sensor,omitempty"`
	Timestamp float64 `cbor:"timestamp,omitempty"`
	Width     int     `cbor:"width,omitempty"`
	Height    int     `cbor:"height,omitempty"`
	Layout    string  `cbor:"layout,omitempty"`
	Data      any     `cbor:"data,omitempty"`
}

// Message is one decoded stream message. Exactly one of Tick and Frame is
// set, matching Type.
type Message struct {
	Type  string
	Tick  *types.Tick
	Frame *types.Frame
}

func EncodeTick(tick types.Tick) ([]byte, error) {
	return cbor.Marshal(wireMessage{
		Type:    TypeTick,
		Frame:   tick.Frame,
		Elapsed: tick.Elapsed,
		Delta:   tick.Delta,
	})
}

// EncodeImage serialises a frame, compressing its pixels with algorithm.
func EncodeImage(frame types.Frame, algorithm string) ([]byte, error) {
	data, err := EncodeImageData(frame.Raw, algorithm)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(wireMessage{
		Type:      TypeImage,
		Frame:     frame.FrameID,
		Sensor:    uint32(frame.Sensor),
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
		Layout:    frame.Layout,
		Data:      data,
	})
}

// DecodeMessage parses one stream message.
func DecodeMessage(msg []byte) (Message, error) {
	var wire wireMessage
	if err := cbor.Unmarshal(msg, &wire); err != nil {
		return Message{}, fmt.Errorf("decode CBOR: %w", err)
	}

	switch wire.Type {
	case TypeTick:
		return Message{Type: TypeTick, Tick: &types.Tick{
			Frame:   wire.Frame,
			Elapsed: wire.Elapsed,
			Delta:   wire.Delta,
		}}, nil
	case TypeImage:
		frame, err := decodeImage(wire)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: TypeImage, Frame: &frame}, nil
	default:
		return Message{}, fmt.Errorf("unknown message type %q", wire.Type)
	}
}

func decodeImage(wire wireMessage) (types.Frame, error) {
	if wire.Sensor == 0 {
		return types.Frame{}, errors.New("image without sensor id")
	}
	size, err := types.BGRASize(wire.Width, wire.Height)
	if err != nil {
		return types.Frame{}, fmt.Errorf("image: %w", err)
	}
	layout := wire.Layout
	if layout == "" {
		layout = types.LayoutBGRA
	}
	raw, err := decodeImageData(wire.Data)
	if err != nil {
		return types.Frame{}, fmt.Errorf("image data: %w", err)
	}
	if layout == types.LayoutBGRA && len(raw) != size {
		return types.Frame{}, fmt.Errorf("image data holds %d bytes, want %d for %dx%d",
			len(raw), size, wire.Width, wire.Height)
	}
	return types.Frame{
		Sensor:    types.ActorID(wire.Sensor),
		FrameID:   wire.Frame,
		Timestamp: wire.Timestamp,
		Width:     wire.Width,
		Height:    wire.Height,
		Layout:    layout,
		Raw:       raw,
	}, nil
}

// Stats counts stream activity. All fields are safe for concurrent use.
type Stats struct {
	Received     atomic.Uint64
	DecodeErrors atomic.Uint64
	RecvErrors   atomic.Uint64
}

func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"stream_messages_total":      s.Received.Load(),
		"stream_decode_errors_total": s.DecodeErrors.Load(),
		"stream_recv_errors_total":   s.RecvErrors.Load(),
	}
}

type Options struct {
	// LogEvery logs only every Nth stream error.
	LogEvery int
	// RecvTimeout bounds each receive so cancellation is noticed.
	RecvTimeout time.Duration
	Stats       *Stats
}

// Stream subscribes to endpoint and returns decoded messages until ctx is
// done. Undecodable messages are counted and skipped.
func Stream(ctx context.Context, endpoint string, opts Options) (<-chan Message, error) {
	if opts.LogEvery < 1 {
		opts.LogEvery = 1
	}
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = defaultRecvTimeout
	}
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}

	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetRcvtimeo(opts.RecvTimeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetSubscribe(""); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan Message, 128)
	go func() {
		defer close(out)
		defer socket.Close()

		sometimes := rate.Sometimes{First: 1, Every: opts.LogEvery}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				if zmq4.AsErrno(err) == zmq4.ETERM {
					return
				}
				opts.Stats.RecvErrors.Add(1)
				sometimes.Do(func() {
					log.Warn().Err(err).Str("endpoint", endpoint).Msg("stream receive failed")
				})
				continue
			}
			opts.Stats.Received.Add(1)

			decoded, err := DecodeMessage(msg)
			if err != nil {
				opts.Stats.DecodeErrors.Add(1)
				sometimes.Do(func() {
					log.Warn().Err(err).Int("bytes", len(msg)).Msg("stream message skipped")
				})
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- decoded:
			}
		}
	}()

	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
