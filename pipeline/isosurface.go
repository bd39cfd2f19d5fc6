package pipeline

import (
	"fmt"

	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/gonum/spatial/r3"
)

// IsosurfaceHelper holds a fixed sampling grid of resolution^3 points
// spanning the unit cube and converts density fields sampled on that grid
// into triangulated surfaces. Helpers are immutable once built; the system
// caches one per resolution and rebuilds only when the requested
// resolution changes.
type IsosurfaceHelper struct {
	resolution   int
	gridVertices []r3.Vec
}

// PointsRange is the grid's normalized coordinate range per axis.
// Extracted vertices come back in this range; callers rescale to physical
// space themselves.
const (
	PointsRangeMin = 0.0
	PointsRangeMax = 1.0
)

// NewIsosurfaceHelper builds the sampling grid. Resolution must be at
// least 2 so cells have nonzero extent.
func NewIsosurfaceHelper(resolution int) (*IsosurfaceHelper, error) {
	if resolution < 2 {
		return nil, fmt.Errorf("isosurface resolution must be >= 2, got %d", resolution)
	}
	step := 1.0 / float64(resolution-1)
	verts := make([]r3.Vec, 0, resolution*resolution*resolution)
	for z := 0; z < resolution; z++ {
		for y := 0; y < resolution; y++ {
			for x := 0; x < resolution; x++ {
				verts = append(verts, r3.Vec{
					X: float64(x) * step,
					Y: float64(y) * step,
					Z: float64(z) * step,
				})
			}
		}
	}
	return &IsosurfaceHelper{resolution: resolution, gridVertices: verts}, nil
}

// Resolution returns the grid resolution per axis.
func (h *IsosurfaceHelper) Resolution() int { return h.resolution }

// GridVertices returns the resolution^3 query points in grid order
// (x fastest, then y, then z). The slice is shared; callers must not
// mutate it.
func (h *IsosurfaceHelper) GridVertices() []r3.Vec { return h.gridVertices }

// Extract runs marching cubes on a pre-thresholded density field sampled
// at every grid point (the surface is the field's zero crossing, inside
// negative). Vertices are returned in grid-normalized coordinates along
// with triangle index triples.
func (h *IsosurfaceHelper) Extract(field []float64) ([]r3.Vec, [][3]int, error) {
	want := h.resolution * h.resolution * h.resolution
	if len(field) != want {
		return nil, nil, fmt.Errorf("field has %d samples, grid wants %d", len(field), want)
	}

	solid := model3d.CheckedFuncSolid(
		model3d.XYZ(0, 0, 0),
		model3d.XYZ(1, 1, 1),
		func(c model3d.Coord3D) bool {
			return h.sample(field, c.X, c.Y, c.Z) < 0
		},
	)
	cell := 1.0 / float64(h.resolution-1)
	mesh := model3d.MarchingCubesSearch(solid, cell, 8)

	// Weld the triangle soup into an indexed mesh.
	index := make(map[model3d.Coord3D]int)
	var verts []r3.Vec
	var faces [][3]int
	for _, t := range mesh.TriangleSlice() {
		var face [3]int
		for j, c := range t {
			vi, ok := index[c]
			if !ok {
				vi = len(verts)
				index[c] = vi
				verts = append(verts, r3.Vec{X: c.X, Y: c.Y, Z: c.Z})
			}
			face[j] = vi
		}
		faces = append(faces, face)
	}
	return verts, faces, nil
}

// sample trilinearly interpolates the field at normalized coordinates,
// clamping to the grid.
func (h *IsosurfaceHelper) sample(field []float64, x, y, z float64) float64 {
	n := h.resolution
	fx := clampUnit(x) * float64(n-1)
	fy := clampUnit(y) * float64(n-1)
	fz := clampUnit(z) * float64(n-1)
	x0, y0, z0 := int(fx), int(fy), int(fz)
	x1, y1, z1 := minInt(x0+1, n-1), minInt(y0+1, n-1), minInt(z0+1, n-1)
	tx, ty, tz := fx-float64(x0), fy-float64(y0), fz-float64(z0)

	at := func(xi, yi, zi int) float64 {
		return field[(zi*n+yi)*n+xi]
	}
	lerp := func(a, b, t float64) float64 { return a + (b-a)*t }

	c00 := lerp(at(x0, y0, z0), at(x1, y0, z0), tx)
	c10 := lerp(at(x0, y1, z0), at(x1, y1, z0), tx)
	c01 := lerp(at(x0, y0, z1), at(x1, y0, z1), tx)
	c11 := lerp(at(x0, y1, z1), at(x1, y1, z1), tx)
	return lerp(lerp(c00, c10, ty), lerp(c01, c11, ty), tz)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
