package output

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evolve-car-go/internal/types"
)

func TestFrameName(t *testing.T) {
	assert.Equal(t, "frame_00000.png", FrameName(0))
	assert.Equal(t, "frame_00042.png", FrameName(42))
	assert.Equal(t, "frame_123456.png", FrameName(123456))
	assert.Equal(t, filepath.Join("out", "front", "frame_00003.png"), FramePath(filepath.Join("out", "front"), 3))
}

func TestPNGWriter(t *testing.T) {
	w, err := NewPNGWriter("speed")
	require.NoError(t, err)

	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	path := filepath.Join(t.TempDir(), FrameName(0))
	require.NoError(t, w.Write(path, img))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
	r, g, b, a := decoded.At(1, 1).RGBA()
	assert.Equal(t, []uint32{200, 100, 50, 255}, []uint32{r >> 8, g >> 8, b >> 8, a >> 8})
}

func TestPNGWriterMissingDirectory(t *testing.T) {
	w, err := NewPNGWriter("")
	require.NoError(t, err)
	err = w.Write(filepath.Join(t.TempDir(), "missing", FrameName(0)), image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	require.Error(t, err)

	_, err = NewPNGWriter("fastest")
	require.Error(t, err)
}

func TestRawLogRecordAndRead(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRawLogWriter(dir, "frames")
	require.NoError(t, err)

	frames := []RawRecord{
		{Tag: "front", Frame: types.Frame{Sensor: 2, FrameID: 10, Timestamp: 0.5, Width: 1, Height: 1, Layout: types.LayoutBGRA, Raw: []byte{1, 2, 3, 4}}},
		{Tag: "back", Frame: types.Frame{Sensor: 3, FrameID: 10, Timestamp: 0.5, Width: 1, Height: 1, Layout: types.LayoutBGRA, Raw: []byte{5, 6, 7, 8}}},
	}
	for _, rec := range frames {
		require.NoError(t, w.Record(rec.Tag, rec.Frame))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Error(t, w.Record("front", types.Frame{}))

	f, err := os.Open(w.Path())
	require.NoError(t, err)
	defer f.Close()

	reader, err := NewRawLogReader(f)
	require.NoError(t, err)
	for _, want := range frames {
		got, ts, err := reader.Next()
		require.NoError(t, err)
		assert.False(t, ts.IsZero())
		assert.Equal(t, want, got)
	}
	_, _, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRawLogReaderBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte("NOTARAWLOG"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = NewRawLogReader(f)
	require.Error(t, err)
}
