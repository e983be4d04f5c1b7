package output

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
)

// FrameName returns the file name of the seq-th frame of a sensor.
func FrameName(seq uint64) string {
	return fmt.Sprintf("frame_%05d.png", seq)
}

// FramePath joins the sensor directory and the frame name.
func FramePath(dir string, seq uint64) string {
	return filepath.Join(dir, FrameName(seq))
}

type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *bufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}

// PNGWriter encodes images to PNG files. It is safe for concurrent use.
type PNGWriter struct {
	encoder png.Encoder
}

// NewPNGWriter returns a writer using the given compression level. Level
// names follow image/png: "default", "speed", "best", "none".
func NewPNGWriter(level string) (*PNGWriter, error) {
	var lvl png.CompressionLevel
	switch level {
	case "", "default":
		lvl = png.DefaultCompression
	case "speed":
		lvl = png.BestSpeed
	case "best":
		lvl = png.BestCompression
	case "none":
		lvl = png.NoCompression
	default:
		return nil, fmt.Errorf("unknown png compression level %q", level)
	}
	return &PNGWriter{
		encoder: png.Encoder{
			CompressionLevel: lvl,
			BufferPool:       &bufferPool{},
		},
	}, nil
}

// Write encodes img to path. A partially written file is removed on error.
func (w *PNGWriter) Write(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 256*1024)
	if err := w.encoder.Encode(bw, img); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}
