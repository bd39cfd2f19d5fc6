package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/df07/image3d/pipeline/modules"
)

const testConfigYAML = `
cond_image_size: 16
image_tokenizer:
  name: dino
  dim: ${tokenizer.dim}
  patch_size: 8
  image_size: ${cond_image_size}
tokenizer:
  name: triplane
  dim: 8
  plane_res: 4
backbone:
  name: crossattn
  dim: ${tokenizer.dim}
  layers: 1
  hidden: 16
post_processor:
  name: linear
  dim: ${tokenizer.dim}
  out_channels: 4
decoder:
  name: mlp
  in_channels: 12
  hidden: 16
renderer:
  name: volume
  radius: 0.87
  num_samples: 8
`

// testParams synthesizes a deterministic small-model parameter map
// matching testConfigYAML.
func testParams() map[string]modules.Param {
	rng := rand.New(rand.NewSource(42))
	params := make(map[string]modules.Param)
	add := func(name string, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float64, n)
		for i := range data {
			data[i] = rng.NormFloat64() * 0.1
		}
		params[name] = modules.Param{Shape: shape, Data: data}
	}
	addConst := func(name string, v float64, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float64, n)
		for i := range data {
			data[i] = v
		}
		params[name] = modules.Param{Shape: shape, Data: data}
	}

	add("image_tokenizer.proj", 8, 8*8*3)
	add("image_tokenizer.bias", 8)
	add("image_tokenizer.pos", 4, 8)
	add("tokenizer.embeddings", 48, 8)
	for _, name := range []string{"wq", "wk", "wv", "wo"} {
		add("backbone.layers.0."+name, 8, 8)
	}
	addConst("backbone.layers.0.norm1.gain", 1, 8)
	addConst("backbone.layers.0.norm1.shift", 0, 8)
	addConst("backbone.layers.0.norm2.gain", 1, 8)
	addConst("backbone.layers.0.norm2.shift", 0, 8)
	add("backbone.layers.0.mlp.w1", 16, 8)
	add("backbone.layers.0.mlp.b1", 16)
	add("backbone.layers.0.mlp.w2", 8, 16)
	add("backbone.layers.0.mlp.b2", 8)
	add("post_processor.proj", 4, 8)
	add("post_processor.bias", 4)
	add("decoder.w1", 16, 12)
	add("decoder.b1", 16)
	add("decoder.w2", 4, 16)
	add("decoder.b2", 4)
	return params
}

func testWeights() *modules.Weights {
	return modules.NewWeights(testParams())
}

func testSystem(t *testing.T) *System {
	t.Helper()
	cfg, err := ParseConfig([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	sys, err := NewSystem(cfg, testWeights())
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	return sys
}

func testInputImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 12), G: 80, B: uint8(y * 12), A: 255})
		}
	}
	return img
}

func TestGenerateShapeAndDeterminism(t *testing.T) {
	sys := testSystem(t)
	ctx := context.Background()

	codes, err := sys.Generate(ctx, []image.Image{testInputImage()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(codes) != 1 {
		t.Fatalf("got %d scene codes, want 1", len(codes))
	}
	if err := codes[0].Validate(); err != nil {
		t.Fatalf("scene code invalid: %v", err)
	}
	for pl, p := range codes[0].Planes {
		if p.Res != 4 || p.Channels != 4 {
			t.Errorf("plane %d is %dx%dx%d, want 4x4x4", pl, p.Res, p.Res, p.Channels)
		}
	}

	again, err := sys.Generate(ctx, []image.Image{testInputImage()})
	if err != nil {
		t.Fatalf("second Generate failed: %v", err)
	}
	if !reflect.DeepEqual(codes, again) {
		t.Error("Generate is not deterministic for fixed weights")
	}
}

func TestGenerateBatch(t *testing.T) {
	sys := testSystem(t)
	codes, err := sys.Generate(context.Background(), []image.Image{testInputImage(), testInputImage()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(codes) != 2 {
		t.Fatalf("got %d scene codes, want 2", len(codes))
	}
	if !reflect.DeepEqual(codes[0], codes[1]) {
		t.Error("identical inputs should produce identical scene codes")
	}
}

func TestGenerateEmptyBatch(t *testing.T) {
	sys := testSystem(t)
	if _, err := sys.Generate(context.Background(), nil); err == nil {
		t.Error("Generate with no images should fail")
	}
}

func TestRenderViewCountAndFormats(t *testing.T) {
	sys := testSystem(t)
	ctx := context.Background()
	codes, err := sys.Generate(ctx, []image.Image{testInputImage()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	opts := DefaultRenderOptions()
	opts.NViews = 3
	opts.Height, opts.Width = 8, 8

	for _, format := range []Format{FormatTensor, FormatArray, FormatImage} {
		opts.Format = format
		frames, err := sys.Render(ctx, codes, opts)
		if err != nil {
			t.Fatalf("Render(%q) failed: %v", format, err)
		}
		if len(frames) != 1 || len(frames[0]) != 3 {
			t.Fatalf("Render(%q) returned %d codes x %d views, want 1x3", format, len(frames), len(frames[0]))
		}
		for _, f := range frames[0] {
			switch format {
			case FormatTensor:
				if f.Tensor == nil || f.Tensor.Width != 8 || f.Tensor.Height != 8 {
					t.Errorf("tensor frame has wrong shape")
				}
			case FormatArray:
				if len(f.Array) != 8*8*3 {
					t.Errorf("array frame has %d values, want %d", len(f.Array), 8*8*3)
				}
			case FormatImage:
				b := f.Image.Bounds()
				if b.Dx() != 8 || b.Dy() != 8 {
					t.Errorf("image frame is %dx%d, want 8x8", b.Dx(), b.Dy())
				}
			}
		}
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	sys := testSystem(t)
	opts := DefaultRenderOptions()
	opts.Format = Format("jpeg")
	if _, err := sys.Render(context.Background(), nil, opts); err == nil {
		t.Error("unknown render format must fail fast")
	}
}

func TestLoadSystemFromFiles(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	weightsPath := filepath.Join(dir, "weights.json")

	if err := os.WriteFile(configPath, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(testParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(weightsPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	sys, err := LoadSystem(configPath, weightsPath, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("LoadSystem failed: %v", err)
	}
	if sys.Config().CondImageSize != 16 {
		t.Errorf("loaded cond_image_size = %d, want 16", sys.Config().CondImageSize)
	}
}

func TestLoadSystemUnknownModule(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Backbone.Name = "bogus"
	if _, err := NewSystem(cfg, testWeights()); err == nil {
		t.Error("unknown module name must fail construction")
	}
}

// --- stubs for consumption-path policy tests ---

type stubDecoder struct{}

func (stubDecoder) InputSize() int { return 3 }
func (stubDecoder) Decode([]float64) (modules.FieldSample, error) {
	return modules.FieldSample{}, nil
}

// stubRenderer exposes an analytic sphere field and constant renders.
// Scene codes whose first plane resolution equals failRes make density
// queries fail, to exercise per-item fault isolation.
type stubRenderer struct {
	radius  float64
	value   float64
	failRes int
}

func (r stubRenderer) Radius() float64 { return r.radius }

func (r stubRenderer) RenderRays(_ modules.Decoder, _ modules.SceneCode, cam modules.Camera) (*modules.FloatImage, error) {
	img := modules.NewFloatImage(cam.Width, cam.Height)
	for i := range img.Pix {
		img.Pix[i] = r.value
	}
	return img, nil
}

func (r stubRenderer) QueryPoints(_ modules.Decoder, code modules.SceneCode, points []r3.Vec) ([]modules.FieldSample, error) {
	if code.Planes[0].Res == r.failRes {
		return nil, fmt.Errorf("simulated density query failure")
	}
	samples := make([]modules.FieldSample, len(points))
	for i, p := range points {
		density := 0.0
		if r3.Norm(p) < 0.35 {
			density = 1
		}
		samples[i] = modules.FieldSample{Density: density, Color: [3]float64{0.25, 0.5, 0.75}}
	}
	return samples, nil
}

func stubSystem(rend modules.Renderer) *System {
	return &System{
		cfg:      Config{CondImageSize: 16},
		decoder:  stubDecoder{},
		renderer: rend,
		logger:   zap.NewNop(),
	}
}

func stubCode(res int) modules.SceneCode {
	var code modules.SceneCode
	for i := range code.Planes {
		code.Planes[i] = modules.NewPlane(res, 1)
	}
	return code
}

func TestRenderImageExtremes(t *testing.T) {
	ctx := context.Background()
	opts := DefaultRenderOptions()
	opts.Height, opts.Width = 4, 4

	for _, tc := range []struct {
		value float64
		want  uint8
	}{
		{value: 0, want: 0},
		{value: 1, want: 255},
	} {
		sys := stubSystem(stubRenderer{radius: 1, value: tc.value})
		frames, err := sys.Render(ctx, []modules.SceneCode{stubCode(4)}, opts)
		if err != nil {
			t.Fatalf("Render failed: %v", err)
		}
		img := frames[0][0].Image
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				for _, ch := range []uint32{r, g, bl} {
					if uint8(ch>>8) != tc.want {
						t.Fatalf("value %v: pixel (%d,%d) channel = %d, want %d", tc.value, x, y, ch>>8, tc.want)
					}
				}
			}
		}
	}
}

func TestExtractMeshesWholeBatchWithIsolatedFailure(t *testing.T) {
	sys := stubSystem(stubRenderer{radius: 1, failRes: 3})
	codes := []modules.SceneCode{stubCode(3), stubCode(4)} // first one fails density query

	meshes, err := sys.ExtractMeshes(context.Background(), codes, 16, 0.5)
	if err != nil {
		t.Fatalf("ExtractMeshes failed: %v", err)
	}
	if len(meshes) != 1 {
		t.Fatalf("got %d meshes, want 1 (failing item skipped, batch continues)", len(meshes))
	}

	mesh := meshes[0]
	if len(mesh.Vertices) == 0 || len(mesh.Faces) == 0 {
		t.Fatal("surviving mesh is empty")
	}
	if len(mesh.Colors) != len(mesh.Vertices) {
		t.Errorf("%d colors for %d vertices", len(mesh.Colors), len(mesh.Vertices))
	}
	for fi, f := range mesh.Faces {
		for _, vi := range f {
			if vi < 0 || vi >= len(mesh.Vertices) {
				t.Fatalf("face %d references vertex %d of %d", fi, vi, len(mesh.Vertices))
			}
		}
	}
	// Vertices sit near the analytic sphere surface in physical space.
	for _, v := range mesh.Vertices {
		if r := r3.Norm(v); math.Abs(r-0.35) > 0.2 {
			t.Fatalf("vertex at radius %.3f, want ~0.35", r)
		}
	}
}

func TestExtractMeshesSetupFailureAbortsCall(t *testing.T) {
	sys := stubSystem(stubRenderer{radius: 1})
	_, err := sys.ExtractMeshes(context.Background(), []modules.SceneCode{stubCode(4)}, 1, 0.5)
	if !errors.Is(err, ErrResolutionSetup) {
		t.Fatalf("got %v, want ErrResolutionSetup", err)
	}
}

func TestExtractMeshesGridCacheReuse(t *testing.T) {
	sys := stubSystem(stubRenderer{radius: 1})
	ctx := context.Background()

	if _, err := sys.ExtractMeshes(ctx, []modules.SceneCode{stubCode(4)}, 8, 0.5); err != nil {
		t.Fatal(err)
	}
	first := sys.iso

	if _, err := sys.ExtractMeshes(ctx, []modules.SceneCode{stubCode(4)}, 8, 0.5); err != nil {
		t.Fatal(err)
	}
	if sys.iso != first {
		t.Error("same resolution must reuse the cached grid")
	}

	if _, err := sys.ExtractMeshes(ctx, []modules.SceneCode{stubCode(4)}, 12, 0.5); err != nil {
		t.Fatal(err)
	}
	if sys.iso == first {
		t.Error("changed resolution must rebuild the grid")
	}
	if got, want := len(sys.iso.GridVertices()), 12*12*12; got != want {
		t.Errorf("rebuilt grid has %d points, want %d", got, want)
	}

	// A failed rebuild leaves the previous grid in place.
	sys.setMarchingCubesResolution(0)
	if sys.iso == nil || sys.iso.Resolution() != 12 {
		t.Error("failed rebuild must keep the old grid")
	}
}
