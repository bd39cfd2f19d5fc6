// Package triplane implements the scene-tokenizer and post-processor ends
// of the triplane pipeline: learnable scene-query tokens, detokenization of
// fused tokens into three plane token grids, and a linear projection from
// token channels to scene-code channels.
package triplane

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/df07/image3d/pipeline/modules"
)

// Registry keys.
const (
	TokenizerName     = "triplane"
	PostProcessorName = "linear"
)

// TokenizerOptions configure the scene tokenizer.
type TokenizerOptions struct {
	Dim      int `yaml:"dim"`       // token channel count
	PlaneRes int `yaml:"plane_res"` // token grid side per plane
}

// Tokenizer holds the learnable scene-query tokens: 3*PlaneRes^2 tokens of
// Dim channels, independent of image content.
type Tokenizer struct {
	opts       TokenizerOptions
	embeddings *mat.Dense // numTokens x Dim
}

// NewTokenizer constructs the scene tokenizer from options and weights.
func NewTokenizer(opts map[string]any, w *modules.Weights) (modules.SceneTokenizer, error) {
	var o TokenizerOptions
	if err := modules.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.Dim <= 0 || o.PlaneRes <= 0 {
		return nil, fmt.Errorf("triplane tokenizer: dim and plane_res must be positive, got %+v", o)
	}
	numTokens := 3 * o.PlaneRes * o.PlaneRes
	emb, err := w.Matrix("tokenizer.embeddings", numTokens, o.Dim)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{opts: o, embeddings: emb}, nil
}

// QueryTokens returns a fresh copy of the scene-query token matrix so the
// backbone can update it freely.
func (tk *Tokenizer) QueryTokens() *mat.Dense {
	out := mat.NewDense(tk.embeddings.RawMatrix().Rows, tk.opts.Dim, nil)
	out.Copy(tk.embeddings)
	return out
}

// Detokenize folds fused tokens back into three PlaneRes x PlaneRes token
// grids. Token order is plane-major, then row-major within a plane.
func (tk *Tokenizer) Detokenize(tokens *mat.Dense) (*modules.TokenVolume, error) {
	rows, cols := tokens.Dims()
	wantRows := 3 * tk.opts.PlaneRes * tk.opts.PlaneRes
	if rows != wantRows || cols != tk.opts.Dim {
		return nil, fmt.Errorf("triplane tokenizer: fused tokens are %dx%d, want %dx%d", rows, cols, wantRows, tk.opts.Dim)
	}

	vol := &modules.TokenVolume{}
	perPlane := tk.opts.PlaneRes * tk.opts.PlaneRes
	for pl := 0; pl < 3; pl++ {
		p := modules.NewPlane(tk.opts.PlaneRes, tk.opts.Dim)
		for i := 0; i < perPlane; i++ {
			copy(p.Data[i*tk.opts.Dim:(i+1)*tk.opts.Dim], tokens.RawRowView(pl*perPlane+i))
		}
		vol.Planes[pl] = p
	}
	return vol, nil
}

// PostProcessorOptions configure the linear post-processor.
type PostProcessorOptions struct {
	Dim         int `yaml:"dim"`          // token channel count
	OutChannels int `yaml:"out_channels"` // scene code channel count
}

// PostProcessor projects each plane cell's token channels to the scene
// code's channel count.
type PostProcessor struct {
	opts PostProcessorOptions
	proj *mat.Dense // OutChannels x Dim
	bias []float64  // OutChannels
}

// NewPostProcessor constructs the post-processor from options and weights.
func NewPostProcessor(opts map[string]any, w *modules.Weights) (modules.PostProcessor, error) {
	var o PostProcessorOptions
	if err := modules.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.Dim <= 0 || o.OutChannels <= 0 {
		return nil, fmt.Errorf("triplane post-processor: dim and out_channels must be positive, got %+v", o)
	}
	proj, err := w.Matrix("post_processor.proj", o.OutChannels, o.Dim)
	if err != nil {
		return nil, err
	}
	bias, err := w.Vector("post_processor.bias", o.OutChannels)
	if err != nil {
		return nil, err
	}
	return &PostProcessor{opts: o, proj: proj, bias: bias}, nil
}

// Process maps the detokenized token volume into the final scene code.
func (pp *PostProcessor) Process(vol *modules.TokenVolume) (modules.SceneCode, error) {
	var code modules.SceneCode
	for pl, p := range vol.Planes {
		if p.Channels != pp.opts.Dim {
			return modules.SceneCode{}, fmt.Errorf("triplane post-processor: plane %d has %d channels, want %d", pl, p.Channels, pp.opts.Dim)
		}
		out := modules.NewPlane(p.Res, pp.opts.OutChannels)
		for y := 0; y < p.Res; y++ {
			for x := 0; x < p.Res; x++ {
				in := p.Cell(x, y)
				dst := out.Cell(x, y)
				for c := 0; c < pp.opts.OutChannels; c++ {
					v := pp.bias[c]
					row := pp.proj.RawRowView(c)
					for j, iv := range in {
						v += row[j] * iv
					}
					dst[c] = v
				}
			}
		}
		code.Planes[pl] = out
	}
	return code, nil
}
