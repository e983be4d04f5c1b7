package simulator

import (
	"math"

	"evolve-car-go/internal/types"
)

// render draws a synthetic BGRA image: a horizon gradient that shifts with
// the vehicle heading plus a bright radial spot orbiting the image centre.
func render(cam camera, vehicle, pose types.Transform, frame uint64) []byte {
	w, h := cam.width, cam.height
	raw := make([]byte, w*h*4)

	heading := vehicle.Rotation.Yaw + pose.Rotation.Yaw
	shift := int(heading/cam.fov*float64(w)) % w
	if shift < 0 {
		shift += w
	}
	horizon := h / 2

	phase := float64(frame) * 0.1
	cx := float64(w)/2 + float64(w)/4*math.Cos(phase)
	cy := float64(h)/2 + float64(h)/4*math.Sin(phase)
	radius := float64(min(w, h)) / 8
	r2 := radius * radius

	for y := 0; y < h; y++ {
		row := raw[y*w*4 : (y+1)*w*4]
		sky := y < horizon
		dy := float64(y) - cy
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			g := byte((x + shift) % w * 255 / w)
			if sky {
				px[0], px[1], px[2] = 200, 150+g/4, 100
			} else {
				px[0], px[1], px[2] = g/2, g/2, cam.shade
			}
			dx := float64(x) - cx
			if d := dx*dx + dy*dy; d < r2 {
				v := byte(255 * (1 - d/r2))
				px[0] = max(px[0], v)
				px[1] = max(px[1], v)
				px[2] = max(px[2], v)
			}
			px[3] = 255
		}
	}
	return raw
}
