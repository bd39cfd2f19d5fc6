// Package modules defines the pluggable neural-module roles that make up
// the image-to-3D pipeline, the shared data types flowing between them, and
// a registry mapping configuration names to concrete implementations.
//
// Each role is an opaque collaborator from the pipeline's point of view:
// only the input/output contracts below are relied on.
package modules

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ImageTokenizer maps a preprocessed image to a sequence of feature
// tokens, returned as an Nt x C matrix (one row per token).
type ImageTokenizer interface {
	Tokenize(img *FloatImage) (*mat.Dense, error)
}

// SceneTokenizer produces the learnable scene-query tokens (independent of
// image content) and inverts fused tokens back into a structured
// pre-volume representation.
type SceneTokenizer interface {
	// QueryTokens returns a fresh copy of the scene-query token matrix.
	QueryTokens() *mat.Dense

	// Detokenize converts fused tokens into per-plane token grids.
	Detokenize(tokens *mat.Dense) (*TokenVolume, error)
}

// Backbone updates scene tokens conditioned on image tokens. Image tokens
// act as context only and are never updated.
type Backbone interface {
	Fuse(sceneTokens, imageTokens *mat.Dense) (*mat.Dense, error)
}

// PostProcessor maps the detokenized representation into the final scene
// code volume.
type PostProcessor interface {
	Process(vol *TokenVolume) (SceneCode, error)
}

// Decoder maps a feature vector sampled from a scene code to density and
// color. Density is non-negative; color channels are in [0,1].
type Decoder interface {
	// InputSize reports the feature vector length the decoder expects.
	InputSize() int

	Decode(features []float64) (FieldSample, error)
}

// Renderer integrates decoder outputs along camera rays into an image, and
// exposes the raw point-query entry point used by mesh extraction.
// Triplane feature sampling lives here, not in the decoder.
type Renderer interface {
	// RenderRays produces one image for a single camera, values in [0,1].
	RenderRays(dec Decoder, code SceneCode, cam Camera) (*FloatImage, error)

	// QueryPoints evaluates the field at arbitrary physical-space points.
	QueryPoints(dec Decoder, code SceneCode, points []r3.Vec) ([]FieldSample, error)

	// Radius is the decoder working radius: the field lives inside the
	// [-Radius, Radius]^3 cube.
	Radius() float64
}
