package pipeline

import (
	"math"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestSphericalCamerasCountAndSize(t *testing.T) {
	cams := SphericalCameras(4, 10, 1.9, 40, 8, 6)
	if len(cams) != 4 {
		t.Fatalf("got %d cameras, want 4", len(cams))
	}
	for i, cam := range cams {
		if cam.Height != 8 || cam.Width != 6 {
			t.Errorf("camera %d is %dx%d, want 6x8", i, cam.Width, cam.Height)
		}
		if len(cam.Dirs) != 8*6 {
			t.Errorf("camera %d has %d rays, want %d", i, len(cam.Dirs), 8*6)
		}
	}
}

func TestSphericalCamerasGeometry(t *testing.T) {
	const distance = 2.5
	cams := SphericalCameras(3, 0, distance, 40, 16, 16)

	for i, cam := range cams {
		if got := r3.Norm(cam.Origin); math.Abs(got-distance) > 1e-9 {
			t.Errorf("camera %d at distance %.6f, want %.1f", i, got, distance)
		}
		// Zero elevation keeps cameras in the z=0 plane.
		if math.Abs(cam.Origin.Z) > 1e-9 {
			t.Errorf("camera %d has z=%.6f at zero elevation", i, cam.Origin.Z)
		}
		for j, d := range cam.Dirs {
			if math.Abs(r3.Norm(d)-1) > 1e-9 {
				t.Fatalf("camera %d ray %d is not unit length", i, j)
			}
		}
		// The central rays straddle the look-at direction toward the origin.
		lookAt := r3.Unit(r3.Scale(-1, cam.Origin))
		center := cam.Dirs[8*16+8]
		if r3.Dot(center, lookAt) < 0.99 {
			t.Errorf("camera %d central ray %v diverges from look-at %v", i, center, lookAt)
		}
	}
}

func TestSphericalCamerasAzimuthsEvenlySpaced(t *testing.T) {
	cams := SphericalCameras(4, 0, 1, 40, 2, 2)
	// Four views a quarter turn apart: origins pairwise orthogonal or
	// opposite.
	for i := 0; i < 4; i++ {
		next := cams[(i+1)%4]
		if d := r3.Dot(cams[i].Origin, next.Origin); math.Abs(d) > 1e-9 {
			t.Errorf("adjacent azimuths not orthogonal: dot = %v", d)
		}
	}
}

func TestSphericalCamerasPolarElevation(t *testing.T) {
	for _, elevation := range []float64{90, -90} {
		cams := SphericalCameras(1, elevation, 2, 40, 4, 4)
		cam := cams[0]
		lookAt := r3.Unit(r3.Scale(-1, cam.Origin))
		for j, d := range cam.Dirs {
			if math.IsNaN(d.X) || math.IsNaN(d.Y) || math.IsNaN(d.Z) {
				t.Fatalf("elevation %v: ray %d is NaN", elevation, j)
			}
			if math.Abs(r3.Norm(d)-1) > 1e-9 {
				t.Fatalf("elevation %v: ray %d is not unit length", elevation, j)
			}
		}
		center := cam.Dirs[2*4+2]
		if r3.Dot(center, lookAt) < 0.99 {
			t.Errorf("elevation %v: central ray %v diverges from look-at %v", elevation, center, lookAt)
		}
	}
}

func TestSphericalCamerasDeterministic(t *testing.T) {
	a := SphericalCameras(2, 15, 1.9, 40, 4, 4)
	b := SphericalCameras(2, 15, 1.9, 40, 4, 4)
	if !reflect.DeepEqual(a, b) {
		t.Error("camera generation is not deterministic")
	}
}
