// Package pipeline turns a single input image into a neural scene code and
// consumes that scene code two ways: differentiable-style volumetric
// rendering from arbitrary camera poses, and iso-surface mesh extraction
// over a dense 3D grid.
//
// The pipeline is synchronous and single-caller: the only shared mutable
// state is the cached iso-surface grid, so concurrent ExtractMeshes calls
// on one System need external synchronization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/df07/image3d/pipeline/modules"
)

// ErrResolutionSetup reports that the shared marching-cubes grid could not
// be (re)built, which invalidates the whole extraction call rather than a
// single scene code.
var ErrResolutionSetup = errors.New("marching cubes resolution setup failed")

// System is a loaded image-to-3D model: preprocessor, the five neural
// module roles, and the cached iso-surface helper.
type System struct {
	cfg Config

	preprocessor   ImagePreprocessor
	imageTokenizer modules.ImageTokenizer
	tokenizer      modules.SceneTokenizer
	backbone       modules.Backbone
	postProcessor  modules.PostProcessor
	decoder        modules.Decoder
	renderer       modules.Renderer

	iso    *IsosurfaceHelper
	logger *zap.Logger
}

// Option customizes system construction.
type Option func(*System)

// WithLogger installs a logger for pipeline stage reporting. The default
// is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *System) { s.logger = l }
}

// LoadSystem builds a system from a YAML config file and a JSON weights
// file. Malformed config, unknown module names, and missing or mis-shaped
// weights all fail construction immediately.
func LoadSystem(configPath, weightsPath string, opts ...Option) (*System, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	weights, err := modules.LoadWeights(weightsPath)
	if err != nil {
		return nil, err
	}
	return NewSystem(cfg, weights, opts...)
}

// NewSystem builds a system from an in-memory config and weight store
// using the default module registries.
func NewSystem(cfg Config, weights *modules.Weights, opts ...Option) (*System, error) {
	return NewSystemWithRegistries(cfg, weights, DefaultRegistries(), opts...)
}

// NewSystemWithRegistries builds a system resolving module names against
// caller-supplied registries.
func NewSystemWithRegistries(cfg Config, weights *modules.Weights, reg *Registries, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &System{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.imageTokenizer, err = reg.ImageTokenizers.New(cfg.ImageTokenizer.Name, cfg.ImageTokenizer.Options, weights); err != nil {
		return nil, fmt.Errorf("constructing image tokenizer: %w", err)
	}
	if s.tokenizer, err = reg.SceneTokenizers.New(cfg.Tokenizer.Name, cfg.Tokenizer.Options, weights); err != nil {
		return nil, fmt.Errorf("constructing tokenizer: %w", err)
	}
	if s.backbone, err = reg.Backbones.New(cfg.Backbone.Name, cfg.Backbone.Options, weights); err != nil {
		return nil, fmt.Errorf("constructing backbone: %w", err)
	}
	if s.postProcessor, err = reg.PostProcessors.New(cfg.PostProcessor.Name, cfg.PostProcessor.Options, weights); err != nil {
		return nil, fmt.Errorf("constructing post-processor: %w", err)
	}
	if s.decoder, err = reg.Decoders.New(cfg.Decoder.Name, cfg.Decoder.Options, weights); err != nil {
		return nil, fmt.Errorf("constructing decoder: %w", err)
	}
	if s.renderer, err = reg.Renderers.New(cfg.Renderer.Name, cfg.Renderer.Options, weights); err != nil {
		return nil, fmt.Errorf("constructing renderer: %w", err)
	}
	return s, nil
}

// Config returns the loaded configuration.
func (s *System) Config() Config { return s.cfg }

// Generate maps decoded images to scene codes, one per input. Errors from
// the module contracts propagate unmodified: a shape mismatch means a
// broken model/config pairing, not a runtime condition.
func (s *System) Generate(ctx context.Context, images []image.Image) ([]modules.SceneCode, error) {
	batch := make([]*modules.FloatImage, len(images))
	for i, img := range images {
		batch[i] = s.preprocessor.ProcessImage(img, s.cfg.CondImageSize)
	}
	return s.generate(ctx, batch)
}

// GenerateFromTensors is Generate for already-decoded float images; inputs
// are resampled to the conditioning size first.
func (s *System) GenerateFromTensors(ctx context.Context, images []*modules.FloatImage) ([]modules.SceneCode, error) {
	batch := make([]*modules.FloatImage, len(images))
	for i, img := range images {
		batch[i] = s.preprocessor.ProcessFloat(img, s.cfg.CondImageSize)
	}
	return s.generate(ctx, batch)
}

func (s *System) generate(ctx context.Context, batch []*modules.FloatImage) ([]modules.SceneCode, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("generate called with no images")
	}

	codes := make([]modules.SceneCode, 0, len(batch))
	for _, img := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		imageTokens, err := s.imageTokenizer.Tokenize(img)
		if err != nil {
			return nil, fmt.Errorf("image tokenization: %w", err)
		}

		tokens, err := s.backbone.Fuse(s.tokenizer.QueryTokens(), imageTokens)
		if err != nil {
			return nil, fmt.Errorf("backbone fusion: %w", err)
		}

		vol, err := s.tokenizer.Detokenize(tokens)
		if err != nil {
			return nil, fmt.Errorf("detokenization: %w", err)
		}

		code, err := s.postProcessor.Process(vol)
		if err != nil {
			return nil, fmt.Errorf("post-processing: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Render produces opts.NViews images per scene code from spherical cameras
// evenly distributed over 360° of azimuth. The result is indexed
// [sceneCode][view]. Render is a pure function of its inputs; nothing is
// cached across calls.
func (s *System) Render(ctx context.Context, codes []modules.SceneCode, opts RenderOptions) ([][]Frame, error) {
	switch opts.Format {
	case FormatTensor, FormatArray, FormatImage:
	default:
		return nil, fmt.Errorf("render format %q not implemented", opts.Format)
	}
	if opts.NViews <= 0 {
		return nil, fmt.Errorf("render needs at least one view, got %d", opts.NViews)
	}

	cams := SphericalCameras(opts.NViews, opts.ElevationDeg, opts.CameraDistance, opts.FovyDeg, opts.Height, opts.Width)

	out := make([][]Frame, len(codes))
	for i, code := range codes {
		frames := make([]Frame, 0, len(cams))
		for _, cam := range cams {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			img, err := s.renderer.RenderRays(s.decoder, code, cam)
			if err != nil {
				return nil, fmt.Errorf("rendering scene code %d: %w", i, err)
			}
			frame, err := convertFrame(img, opts.Format)
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame)
		}
		out[i] = frames
	}
	return out, nil
}

// setMarchingCubesResolution ensures the cached iso-surface helper matches
// the requested resolution. Rebuild failures are logged and leave any
// previous helper in place; callers detect them by checking the helper
// afterwards.
func (s *System) setMarchingCubesResolution(resolution int) {
	s.logger.Info("setting marching cubes resolution", zap.Int("resolution", resolution))
	if s.iso != nil && s.iso.Resolution() == resolution {
		s.logger.Info("marching cubes resolution already set")
		return
	}
	helper, err := NewIsosurfaceHelper(resolution)
	if err != nil {
		s.logger.Error("failed to set marching cubes resolution", zap.Error(err))
		return
	}
	s.iso = helper
	s.logger.Info("marching cubes resolution set")
}

// ExtractMeshes queries density over the sampling grid, extracts the
// iso-surface at the given threshold, and colors the surface vertices, for
// every scene code in the batch.
//
// Failure policy: a failed grid setup aborts the whole call with
// ErrResolutionSetup, because a bad grid corrupts every item. Failures in
// the per-scene-code stages (density query, iso-surface extraction, color
// query, assembly) are logged with their stage name and skip only that
// scene code, so the result may be shorter than the input batch.
func (s *System) ExtractMeshes(ctx context.Context, codes []modules.SceneCode, resolution int, threshold float64) ([]*Mesh, error) {
	s.logger.Info("starting mesh extraction", zap.Int("scene_codes", len(codes)))

	s.setMarchingCubesResolution(resolution)
	if s.iso == nil || s.iso.Resolution() != resolution {
		return nil, fmt.Errorf("%w: resolution %d", ErrResolutionSetup, resolution)
	}

	radius := s.renderer.Radius()
	gridPhys := scalePoints(s.iso.GridVertices(), radius)

	var meshes []*Mesh
	for i, code := range codes {
		if err := ctx.Err(); err != nil {
			return meshes, err
		}

		samples, err := s.renderer.QueryPoints(s.decoder, code, gridPhys)
		if err != nil {
			s.logger.Error("mesh extraction stage failed",
				zap.String("stage", "density_query"), zap.Int("scene_code", i), zap.Error(err))
			continue
		}

		// The iso-surface is the zero crossing of threshold - density.
		field := make([]float64, len(samples))
		for j, fs := range samples {
			field[j] = -(fs.Density - threshold)
		}

		gridVerts, faces, err := s.iso.Extract(field)
		if err != nil {
			s.logger.Error("mesh extraction stage failed",
				zap.String("stage", "isosurface"), zap.Int("scene_code", i), zap.Error(err))
			continue
		}
		verts := scalePoints(gridVerts, radius)

		colorSamples, err := s.renderer.QueryPoints(s.decoder, code, verts)
		if err != nil {
			s.logger.Error("mesh extraction stage failed",
				zap.String("stage", "color_query"), zap.Int("scene_code", i), zap.Error(err))
			continue
		}
		colors := make([][3]float64, len(colorSamples))
		for j, fs := range colorSamples {
			colors[j] = fs.Color
		}

		mesh, err := NewMesh(verts, faces, colors)
		if err != nil {
			s.logger.Error("mesh extraction stage failed",
				zap.String("stage", "assembly"), zap.Int("scene_code", i), zap.Error(err))
			continue
		}
		meshes = append(meshes, mesh)
		s.logger.Info("mesh extracted",
			zap.Int("scene_code", i), zap.Int("vertices", len(mesh.Vertices)), zap.Int("faces", len(mesh.Faces)))
	}
	return meshes, nil
}

// scalePoints maps grid-normalized [0,1] coordinates into the physical
// [-radius, radius] cube.
func scalePoints(points []r3.Vec, radius float64) []r3.Vec {
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = r3.Vec{
			X: p.X*2*radius - radius,
			Y: p.Y*2*radius - radius,
			Z: p.Z*2*radius - radius,
		}
	}
	return out
}
