package nerf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/df07/image3d/pipeline/modules"
)

// RendererName is the registry key for the volume renderer.
const RendererName = "volume"

// RendererOptions configure the volume renderer.
type RendererOptions struct {
	Radius     float64 `yaml:"radius"`      // field lives in [-Radius, Radius]^3
	NumSamples int     `yaml:"num_samples"` // integration steps per ray
}

// Renderer integrates a triplane field along rays. Triplane feature
// sampling happens here: a 3D point is projected onto the XY, XZ and YZ
// planes, each plane is sampled bilinearly, and the three feature vectors
// are concatenated before decoding.
type Renderer struct {
	opts RendererOptions
}

// NewRenderer constructs the renderer from options. It carries no weights.
func NewRenderer(opts map[string]any, _ *modules.Weights) (modules.Renderer, error) {
	var o RendererOptions
	if err := modules.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.Radius <= 0 {
		return nil, fmt.Errorf("nerf renderer: radius must be positive, got %v", o.Radius)
	}
	if o.NumSamples <= 0 {
		return nil, fmt.Errorf("nerf renderer: num_samples must be positive, got %d", o.NumSamples)
	}
	return &Renderer{opts: o}, nil
}

// Radius reports the decoder working radius.
func (rn *Renderer) Radius() float64 { return rn.opts.Radius }

// QueryPoints evaluates the field at arbitrary physical-space points.
func (rn *Renderer) QueryPoints(dec modules.Decoder, code modules.SceneCode, points []r3.Vec) ([]modules.FieldSample, error) {
	if err := rn.checkShapes(dec, code); err != nil {
		return nil, err
	}
	samples := make([]modules.FieldSample, len(points))
	features := make([]float64, 0, 3*code.Channels())
	for i, p := range points {
		features = rn.sampleFeatures(code, p, features[:0])
		s, err := dec.Decode(features)
		if err != nil {
			return nil, err
		}
		samples[i] = s
	}
	return samples, nil
}

// RenderRays produces one image for a single camera by alpha-compositing
// field samples along each pixel's ray over a white background.
func (rn *Renderer) RenderRays(dec modules.Decoder, code modules.SceneCode, cam modules.Camera) (*modules.FloatImage, error) {
	if err := rn.checkShapes(dec, code); err != nil {
		return nil, err
	}
	if len(cam.Dirs) != cam.Width*cam.Height {
		return nil, fmt.Errorf("nerf renderer: camera has %d rays for %dx%d pixels", len(cam.Dirs), cam.Width, cam.Height)
	}

	img := modules.NewFloatImage(cam.Width, cam.Height)
	features := make([]float64, 0, 3*code.Channels())
	for y := 0; y < cam.Height; y++ {
		for x := 0; x < cam.Width; x++ {
			dir := cam.Dirs[y*cam.Width+x]
			t0, t1, hit := rn.intersectCube(cam.Origin, dir)
			if !hit {
				img.Set(x, y, [3]float64{1, 1, 1})
				continue
			}

			dt := (t1 - t0) / float64(rn.opts.NumSamples)
			var color [3]float64
			transmittance := 1.0
			for s := 0; s < rn.opts.NumSamples; s++ {
				t := t0 + (float64(s)+0.5)*dt
				p := r3.Add(cam.Origin, r3.Scale(t, dir))
				features = rn.sampleFeatures(code, p, features[:0])
				fs, err := dec.Decode(features)
				if err != nil {
					return nil, err
				}
				alpha := 1 - math.Exp(-fs.Density*dt)
				weight := transmittance * alpha
				color[0] += weight * fs.Color[0]
				color[1] += weight * fs.Color[1]
				color[2] += weight * fs.Color[2]
				transmittance *= 1 - alpha
				if transmittance < 1e-4 {
					break
				}
			}
			// Remaining transmittance falls through to the white background.
			color[0] += transmittance
			color[1] += transmittance
			color[2] += transmittance
			img.Set(x, y, color)
		}
	}
	return img, nil
}

func (rn *Renderer) checkShapes(dec modules.Decoder, code modules.SceneCode) error {
	if err := code.Validate(); err != nil {
		return err
	}
	if want := 3 * code.Channels(); dec.InputSize() != want {
		return fmt.Errorf("nerf renderer: decoder expects %d features but scene code provides %d", dec.InputSize(), want)
	}
	return nil
}

// sampleFeatures projects p onto the three planes and appends the
// concatenated bilinear samples to dst.
func (rn *Renderer) sampleFeatures(code modules.SceneCode, p r3.Vec, dst []float64) []float64 {
	inv := 1 / (2 * rn.opts.Radius)
	u := (p.X + rn.opts.Radius) * inv
	v := (p.Y + rn.opts.Radius) * inv
	w := (p.Z + rn.opts.Radius) * inv
	dst = code.Planes[0].Sample(u, v, dst) // XY
	dst = code.Planes[1].Sample(u, w, dst) // XZ
	dst = code.Planes[2].Sample(v, w, dst) // YZ
	return dst
}

// intersectCube computes the entry/exit distances of a ray against the
// [-Radius, Radius]^3 cube, clamped to the forward half-line.
func (rn *Renderer) intersectCube(origin, dir r3.Vec) (t0, t1 float64, hit bool) {
	t0, t1 = 0, math.Inf(1)
	for axis := 0; axis < 3; axis++ {
		var o, d float64
		switch axis {
		case 0:
			o, d = origin.X, dir.X
		case 1:
			o, d = origin.Y, dir.Y
		default:
			o, d = origin.Z, dir.Z
		}
		if math.Abs(d) < 1e-12 {
			if o < -rn.opts.Radius || o > rn.opts.Radius {
				return 0, 0, false
			}
			continue
		}
		ta := (-rn.opts.Radius - o) / d
		tb := (rn.opts.Radius - o) / d
		if ta > tb {
			ta, tb = tb, ta
		}
		if ta > t0 {
			t0 = ta
		}
		if tb < t1 {
			t1 = tb
		}
	}
	if t0 >= t1 {
		return 0, 0, false
	}
	return t0, t1, true
}
