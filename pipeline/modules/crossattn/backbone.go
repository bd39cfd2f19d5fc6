// Package crossattn implements the fusion backbone: a stack of single-head
// cross-attention layers in which scene tokens attend over image tokens.
// Image tokens are conditioning context only and are never written to.
package crossattn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/df07/image3d/pipeline/modules"
)

// Name is the registry key for this backbone.
const Name = "crossattn"

// Options configure the backbone.
type Options struct {
	Dim    int `yaml:"dim"`    // token channel count
	Layers int `yaml:"layers"` // attention layer count
	Hidden int `yaml:"hidden"` // MLP hidden width
}

type layer struct {
	wq, wk, wv, wo *mat.Dense // Dim x Dim
	norm1, norm2   layerNorm
	mlpW1          *mat.Dense // Hidden x Dim
	mlpB1          []float64
	mlpW2          *mat.Dense // Dim x Hidden
	mlpB2          []float64
}

type layerNorm struct {
	gain, shift []float64
}

// Backbone is the sequence-to-sequence fusion transform.
type Backbone struct {
	opts   Options
	layers []layer
}

// New constructs the backbone from options and weights. Layer parameters
// are keyed "backbone.layers.<i>.<name>".
func New(opts map[string]any, w *modules.Weights) (modules.Backbone, error) {
	var o Options
	if err := modules.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.Dim <= 0 || o.Layers <= 0 || o.Hidden <= 0 {
		return nil, fmt.Errorf("crossattn: dim, layers and hidden must be positive, got %+v", o)
	}

	b := &Backbone{opts: o, layers: make([]layer, o.Layers)}
	for i := range b.layers {
		prefix := fmt.Sprintf("backbone.layers.%d.", i)
		var l layer
		var err error
		load := func(name string, rows, cols int) *mat.Dense {
			if err != nil {
				return nil
			}
			var m *mat.Dense
			m, err = w.Matrix(prefix+name, rows, cols)
			return m
		}
		loadVec := func(name string, n int) []float64 {
			if err != nil {
				return nil
			}
			var v []float64
			v, err = w.Vector(prefix+name, n)
			return v
		}
		l.wq = load("wq", o.Dim, o.Dim)
		l.wk = load("wk", o.Dim, o.Dim)
		l.wv = load("wv", o.Dim, o.Dim)
		l.wo = load("wo", o.Dim, o.Dim)
		l.norm1 = layerNorm{gain: loadVec("norm1.gain", o.Dim), shift: loadVec("norm1.shift", o.Dim)}
		l.norm2 = layerNorm{gain: loadVec("norm2.gain", o.Dim), shift: loadVec("norm2.shift", o.Dim)}
		l.mlpW1 = load("mlp.w1", o.Hidden, o.Dim)
		l.mlpB1 = loadVec("mlp.b1", o.Hidden)
		l.mlpW2 = load("mlp.w2", o.Dim, o.Hidden)
		l.mlpB2 = loadVec("mlp.b2", o.Dim)
		if err != nil {
			return nil, err
		}
		b.layers[i] = l
	}
	return b, nil
}

// Fuse runs the layer stack, returning updated scene tokens.
func (b *Backbone) Fuse(sceneTokens, imageTokens *mat.Dense) (*mat.Dense, error) {
	_, sc := sceneTokens.Dims()
	_, ic := imageTokens.Dims()
	if sc != b.opts.Dim || ic != b.opts.Dim {
		return nil, fmt.Errorf("crossattn: token channels scene=%d image=%d, want %d", sc, ic, b.opts.Dim)
	}

	x := mat.DenseCopyOf(sceneTokens)
	for i := range b.layers {
		l := &b.layers[i]

		attended := l.attend(applyNorm(x, l.norm1), imageTokens)
		x.Add(x, attended)

		mlpOut := l.mlp(applyNorm(x, l.norm2))
		x.Add(x, mlpOut)
	}
	return x, nil
}

// attend computes single-head scaled dot-product attention with x as
// queries and ctx as keys/values.
func (l *layer) attend(x, ctx *mat.Dense) *mat.Dense {
	var q, k, v mat.Dense
	q.Mul(x, l.wq)
	k.Mul(ctx, l.wk)
	v.Mul(ctx, l.wv)

	var scores mat.Dense
	scores.Mul(&q, k.T())

	rows, cols := scores.Dims()
	_, dim := x.Dims()
	scale := 1.0 / math.Sqrt(float64(dim))
	for r := 0; r < rows; r++ {
		row := scores.RawRowView(r)
		maxv := math.Inf(-1)
		for c := 0; c < cols; c++ {
			row[c] *= scale
			if row[c] > maxv {
				maxv = row[c]
			}
		}
		sum := 0.0
		for c := 0; c < cols; c++ {
			row[c] = math.Exp(row[c] - maxv)
			sum += row[c]
		}
		for c := 0; c < cols; c++ {
			row[c] /= sum
		}
	}

	var out mat.Dense
	out.Mul(&scores, &v)
	var proj mat.Dense
	proj.Mul(&out, l.wo)
	return &proj
}

// mlp applies the two-layer feed-forward block with GELU activation.
func (l *layer) mlp(x *mat.Dense) *mat.Dense {
	var h mat.Dense
	h.Mul(x, l.mlpW1.T())
	rows, cols := h.Dims()
	for r := 0; r < rows; r++ {
		row := h.RawRowView(r)
		for c := 0; c < cols; c++ {
			row[c] = gelu(row[c] + l.mlpB1[c])
		}
	}
	var out mat.Dense
	out.Mul(&h, l.mlpW2.T())
	orows, ocols := out.Dims()
	for r := 0; r < orows; r++ {
		row := out.RawRowView(r)
		for c := 0; c < ocols; c++ {
			row[c] += l.mlpB2[c]
		}
	}
	return &out
}

func gelu(v float64) float64 {
	return 0.5 * v * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(v+0.044715*v*v*v)))
}

// applyNorm layer-normalizes each token row, then applies gain and shift.
func applyNorm(x *mat.Dense, n layerNorm) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	const eps = 1e-5
	for r := 0; r < rows; r++ {
		row := x.RawRowView(r)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(cols)
		inv := 1.0 / math.Sqrt(variance+eps)
		dst := out.RawRowView(r)
		for c, v := range row {
			dst[c] = (v-mean)*inv*n.gain[c] + n.shift[c]
		}
	}
	return out
}
