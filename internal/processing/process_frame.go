package processing

import (
	"fmt"
	"image"

	"evolve-car-go/internal/types"
)

// ProcessFrame converts a BGRA camera frame into an opaque RGBA image. The
// alpha channel delivered by the simulator is ignored.
func ProcessFrame(frame types.Frame) (*image.NRGBA, error) {
	want, err := types.BGRASize(frame.Width, frame.Height)
	if err != nil {
		return nil, err
	}
	if frame.Layout != "" && frame.Layout != types.LayoutBGRA {
		return nil, fmt.Errorf("unsupported frame layout %q", frame.Layout)
	}
	if len(frame.Raw) != want {
		return nil, fmt.Errorf("frame buffer has %d bytes, expected %d for %dx%d BGRA",
			len(frame.Raw), want, frame.Width, frame.Height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	src := frame.Raw
	dst := img.Pix
	for i := 0; i < want; i += 4 {
		dst[i] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i]
		dst[i+3] = 0xff
	}
	return img, nil
}
