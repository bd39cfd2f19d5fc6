// Package nerf implements the neural-field consumption end of the
// pipeline: an MLP decoder from triplane features to density and color,
// and a volumetric renderer that integrates decoder samples along rays.
package nerf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/df07/image3d/pipeline/modules"
)

// DecoderName is the registry key for the MLP decoder.
const DecoderName = "mlp"

// DecoderOptions configure the decoder.
type DecoderOptions struct {
	InChannels int `yaml:"in_channels"` // concatenated triplane feature length
	Hidden     int `yaml:"hidden"`      // MLP hidden width
}

// Decoder is a two-layer MLP mapping a triplane feature vector to one
// density value (softplus, non-negative) and an RGB color (sigmoid).
type Decoder struct {
	opts DecoderOptions
	w1   *mat.Dense // Hidden x InChannels
	b1   []float64
	w2   *mat.Dense // 4 x Hidden
	b2   []float64
}

// NewDecoder constructs the decoder from options and weights.
func NewDecoder(opts map[string]any, w *modules.Weights) (modules.Decoder, error) {
	var o DecoderOptions
	if err := modules.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.InChannels <= 0 || o.Hidden <= 0 {
		return nil, fmt.Errorf("nerf decoder: in_channels and hidden must be positive, got %+v", o)
	}
	w1, err := w.Matrix("decoder.w1", o.Hidden, o.InChannels)
	if err != nil {
		return nil, err
	}
	b1, err := w.Vector("decoder.b1", o.Hidden)
	if err != nil {
		return nil, err
	}
	w2, err := w.Matrix("decoder.w2", 4, o.Hidden)
	if err != nil {
		return nil, err
	}
	b2, err := w.Vector("decoder.b2", 4)
	if err != nil {
		return nil, err
	}
	return &Decoder{opts: o, w1: w1, b1: b1, w2: w2, b2: b2}, nil
}

// InputSize reports the expected feature vector length.
func (d *Decoder) InputSize() int { return d.opts.InChannels }

// Decode maps one feature vector to a field sample.
func (d *Decoder) Decode(features []float64) (modules.FieldSample, error) {
	if len(features) != d.opts.InChannels {
		return modules.FieldSample{}, fmt.Errorf("nerf decoder: got %d features, want %d", len(features), d.opts.InChannels)
	}

	hidden := make([]float64, d.opts.Hidden)
	for h := 0; h < d.opts.Hidden; h++ {
		v := d.b1[h]
		row := d.w1.RawRowView(h)
		for j, f := range features {
			v += row[j] * f
		}
		if v < 0 { // ReLU
			v = 0
		}
		hidden[h] = v
	}

	var out [4]float64
	for k := 0; k < 4; k++ {
		v := d.b2[k]
		row := d.w2.RawRowView(k)
		for j, hv := range hidden {
			v += row[j] * hv
		}
		out[k] = v
	}

	return modules.FieldSample{
		Density: softplus(out[0]),
		Color:   [3]float64{sigmoid(out[1]), sigmoid(out[2]), sigmoid(out[3])},
	}, nil
}

func softplus(v float64) float64 {
	// Overflow-safe: softplus(v) ~= v for large v.
	if v > 20 {
		return v
	}
	return math.Log1p(math.Exp(v))
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
