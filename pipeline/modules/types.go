package modules

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// FloatImage is an RGB image with float64 channels in [0,1], stored
// row-major as H*W*3 values.
type FloatImage struct {
	Width  int
	Height int
	Pix    []float64
}

// NewFloatImage allocates a zeroed image of the given size.
func NewFloatImage(width, height int) *FloatImage {
	return &FloatImage{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height*3),
	}
}

// At returns the RGB value at pixel (x, y).
func (im *FloatImage) At(x, y int) [3]float64 {
	i := (y*im.Width + x) * 3
	return [3]float64{im.Pix[i], im.Pix[i+1], im.Pix[i+2]}
}

// Set writes the RGB value at pixel (x, y).
func (im *FloatImage) Set(x, y int, c [3]float64) {
	i := (y*im.Width + x) * 3
	im.Pix[i], im.Pix[i+1], im.Pix[i+2] = c[0], c[1], c[2]
}

// Clone returns a deep copy.
func (im *FloatImage) Clone() *FloatImage {
	out := &FloatImage{Width: im.Width, Height: im.Height, Pix: make([]float64, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

// Plane is a square 2D feature grid with Channels values per cell,
// stored row-major as Res*Res*Channels values.
type Plane struct {
	Res      int
	Channels int
	Data     []float64
}

// NewPlane allocates a zeroed feature plane.
func NewPlane(res, channels int) Plane {
	return Plane{Res: res, Channels: channels, Data: make([]float64, res*res*channels)}
}

// Cell returns the feature vector at grid cell (x, y). The returned slice
// aliases the plane's storage.
func (p Plane) Cell(x, y int) []float64 {
	i := (y*p.Res + x) * p.Channels
	return p.Data[i : i+p.Channels]
}

// Sample bilinearly interpolates the plane at (u, v) in [0,1]^2 and appends
// the result to dst. Coordinates outside [0,1] are clamped.
func (p Plane) Sample(u, v float64, dst []float64) []float64 {
	fx := clamp01(u) * float64(p.Res-1)
	fy := clamp01(v) * float64(p.Res-1)
	x0, y0 := int(fx), int(fy)
	x1, y1 := x0+1, y0+1
	if x1 > p.Res-1 {
		x1 = p.Res - 1
	}
	if y1 > p.Res-1 {
		y1 = p.Res - 1
	}
	tx, ty := fx-float64(x0), fy-float64(y0)

	c00 := p.Cell(x0, y0)
	c10 := p.Cell(x1, y0)
	c01 := p.Cell(x0, y1)
	c11 := p.Cell(x1, y1)
	for c := 0; c < p.Channels; c++ {
		top := c00[c]*(1-tx) + c10[c]*tx
		bot := c01[c]*(1-tx) + c11[c]*tx
		dst = append(dst, top*(1-ty)+bot*ty)
	}
	return dst
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SceneCode is the dense 3D feature representation produced once per input
// image: three orthogonal feature planes queried by projecting a 3D point
// onto each plane. It is immutable after generation and consumed by both
// the rendering and mesh-extraction paths.
type SceneCode struct {
	Planes [3]Plane
}

// Channels returns the per-plane channel count.
func (sc SceneCode) Channels() int { return sc.Planes[0].Channels }

// Validate checks that all three planes agree on shape and are fully backed.
func (sc SceneCode) Validate() error {
	for i, p := range sc.Planes {
		if p.Res <= 0 || p.Channels <= 0 {
			return fmt.Errorf("scene code plane %d has invalid shape %dx%dx%d", i, p.Res, p.Res, p.Channels)
		}
		if len(p.Data) != p.Res*p.Res*p.Channels {
			return fmt.Errorf("scene code plane %d has %d values, want %d", i, len(p.Data), p.Res*p.Res*p.Channels)
		}
		if p.Res != sc.Planes[0].Res || p.Channels != sc.Planes[0].Channels {
			return fmt.Errorf("scene code plane %d shape differs from plane 0", i)
		}
	}
	return nil
}

// TokenVolume is the structured representation produced by detokenizing
// fused scene tokens: one token grid per triplane plane, before
// post-processing into the final scene code.
type TokenVolume struct {
	Planes [3]Plane
}

// FieldSample is a transient decoder output for one 3D point.
type FieldSample struct {
	Density float64
	Color   [3]float64
}

// Camera holds one view's ray bundle: a shared origin plus one direction
// per pixel, row-major.
type Camera struct {
	Origin r3.Vec
	Dirs   []r3.Vec
	Height int
	Width  int
}
