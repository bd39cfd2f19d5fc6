// Package dino implements a patch-embedding image tokenizer: the input
// image is split into square patches, each patch is linearly projected to
// the token dimension, and a learned positional embedding is added.
package dino

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/df07/image3d/pipeline/modules"
)

// Name is the registry key for this tokenizer.
const Name = "dino"

// Options configure the tokenizer.
type Options struct {
	Dim       int `yaml:"dim"`        // token channel count
	PatchSize int `yaml:"patch_size"` // square patch side in pixels
	ImageSize int `yaml:"image_size"` // expected square input side
}

// Tokenizer maps a fixed-size image to (ImageSize/PatchSize)^2 tokens.
type Tokenizer struct {
	opts      Options
	numTokens int
	proj      *mat.Dense // Dim x PatchSize*PatchSize*3
	bias      []float64  // Dim
	pos       *mat.Dense // numTokens x Dim
}

// New constructs the tokenizer from options and weights.
func New(opts map[string]any, w *modules.Weights) (modules.ImageTokenizer, error) {
	var o Options
	if err := modules.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.Dim <= 0 || o.PatchSize <= 0 || o.ImageSize <= 0 {
		return nil, fmt.Errorf("dino: dim, patch_size and image_size must be positive, got %+v", o)
	}
	if o.ImageSize%o.PatchSize != 0 {
		return nil, fmt.Errorf("dino: image_size %d is not a multiple of patch_size %d", o.ImageSize, o.PatchSize)
	}
	perPatch := o.PatchSize * o.PatchSize * 3
	side := o.ImageSize / o.PatchSize
	numTokens := side * side

	proj, err := w.Matrix("image_tokenizer.proj", o.Dim, perPatch)
	if err != nil {
		return nil, err
	}
	bias, err := w.Vector("image_tokenizer.bias", o.Dim)
	if err != nil {
		return nil, err
	}
	pos, err := w.Matrix("image_tokenizer.pos", numTokens, o.Dim)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{opts: o, numTokens: numTokens, proj: proj, bias: bias, pos: pos}, nil
}

// NumTokens reports how many tokens Tokenize produces.
func (tk *Tokenizer) NumTokens() int { return tk.numTokens }

// Tokenize produces the numTokens x Dim token matrix for one image.
func (tk *Tokenizer) Tokenize(img *modules.FloatImage) (*mat.Dense, error) {
	if img.Width != tk.opts.ImageSize || img.Height != tk.opts.ImageSize {
		return nil, fmt.Errorf("dino: input is %dx%d, tokenizer expects %dx%d",
			img.Width, img.Height, tk.opts.ImageSize, tk.opts.ImageSize)
	}

	side := tk.opts.ImageSize / tk.opts.PatchSize
	patch := make([]float64, tk.opts.PatchSize*tk.opts.PatchSize*3)
	tokens := mat.NewDense(tk.numTokens, tk.opts.Dim, nil)

	for py := 0; py < side; py++ {
		for px := 0; px < side; px++ {
			// Flatten the patch pixels row-major, RGB interleaved.
			i := 0
			for y := 0; y < tk.opts.PatchSize; y++ {
				for x := 0; x < tk.opts.PatchSize; x++ {
					c := img.At(px*tk.opts.PatchSize+x, py*tk.opts.PatchSize+y)
					patch[i], patch[i+1], patch[i+2] = c[0], c[1], c[2]
					i += 3
				}
			}

			t := py*side + px
			for d := 0; d < tk.opts.Dim; d++ {
				v := tk.bias[d]
				row := tk.proj.RawRowView(d)
				for j, pv := range patch {
					v += row[j] * pv
				}
				tokens.Set(t, d, v+tk.pos.At(t, d))
			}
		}
	}
	return tokens, nil
}
