package pipeline

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/df07/image3d/pipeline/modules"
)

// SphericalCameras places nViews cameras around the origin at a fixed
// elevation and distance, azimuths evenly distributed over 360°, all
// looking at the origin with +Z up. This is the camera convention for the
// whole pipeline; callers never re-derive it.
//
// For each camera it returns the shared ray origin and one unit ray
// direction per pixel at the requested resolution, derived from a vertical
// field of view of fovyDeg.
func SphericalCameras(nViews int, elevationDeg, distance, fovyDeg float64, height, width int) []modules.Camera {
	cams := make([]modules.Camera, 0, nViews)
	elevation := elevationDeg * math.Pi / 180
	focal := 0.5 * float64(height) / math.Tan(0.5*fovyDeg*math.Pi/180)

	for i := 0; i < nViews; i++ {
		azimuth := 2 * math.Pi * float64(i) / float64(nViews)
		origin := r3.Scale(distance, r3.Vec{
			X: math.Cos(elevation) * math.Cos(azimuth),
			Y: math.Cos(elevation) * math.Sin(azimuth),
			Z: math.Sin(elevation),
		})

		forward := r3.Unit(r3.Scale(-1, origin))
		// At ±90° elevation forward is parallel to the world up axis;
		// fall back to +X so the frame stays well defined.
		rightRaw := r3.Cross(forward, r3.Vec{Z: 1})
		if r3.Norm(rightRaw) < 1e-9 {
			rightRaw = r3.Cross(forward, r3.Vec{X: 1})
		}
		right := r3.Unit(rightRaw)
		up := r3.Cross(right, forward)

		dirs := make([]r3.Vec, 0, width*height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				px := (float64(x) + 0.5 - float64(width)/2) / focal
				py := (float64(height)/2 - float64(y) - 0.5) / focal
				d := r3.Add(forward, r3.Add(r3.Scale(px, right), r3.Scale(py, up)))
				dirs = append(dirs, r3.Unit(d))
			}
		}
		cams = append(cams, modules.Camera{Origin: origin, Dirs: dirs, Height: height, Width: width})
	}
	return cams
}
