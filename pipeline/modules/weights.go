package modules

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Param is one named weight tensor: a shape plus its values in row-major
// order.
type Param struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Count returns the number of values the shape implies.
func (p Param) Count() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Weights is a read-only store of model parameters keyed by name. Module
// factories pull their parameters from it at construction time; a missing
// or mis-shaped parameter fails construction.
type Weights struct {
	params map[string]Param
}

// NewWeights wraps an in-memory parameter map.
func NewWeights(params map[string]Param) *Weights {
	return &Weights{params: params}
}

// LoadWeights reads a JSON weight document from a file.
func LoadWeights(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening weights: %w", err)
	}
	defer f.Close()
	return ParseWeights(f)
}

// ParseWeights decodes a JSON weight document: an object mapping parameter
// names to {shape, data}.
func ParseWeights(r io.Reader) (*Weights, error) {
	var params map[string]Param
	if err := json.NewDecoder(r).Decode(&params); err != nil {
		return nil, fmt.Errorf("decoding weights: %w", err)
	}
	for name, p := range params {
		if len(p.Data) != p.Count() {
			return nil, fmt.Errorf("weight %q has %d values but shape %v implies %d", name, len(p.Data), p.Shape, p.Count())
		}
	}
	return NewWeights(params), nil
}

// Get returns a copy of the named parameter's values, verifying its shape
// exactly matches the expected one. The copy keeps the store immutable even
// when modules transform their parameters in place.
func (w *Weights) Get(name string, shape ...int) ([]float64, error) {
	p, ok := w.params[name]
	if !ok {
		return nil, fmt.Errorf("weight %q not found", name)
	}
	if len(p.Shape) != len(shape) {
		return nil, fmt.Errorf("weight %q has shape %v, want %v", name, p.Shape, shape)
	}
	for i, d := range shape {
		if p.Shape[i] != d {
			return nil, fmt.Errorf("weight %q has shape %v, want %v", name, p.Shape, shape)
		}
	}
	out := make([]float64, len(p.Data))
	copy(out, p.Data)
	return out, nil
}

// Matrix returns the named parameter as a rows x cols dense matrix.
func (w *Weights) Matrix(name string, rows, cols int) (*mat.Dense, error) {
	data, err := w.Get(name, rows, cols)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(rows, cols, data), nil
}

// Vector returns the named parameter as a flat vector of length n.
func (w *Weights) Vector(name string, n int) ([]float64, error) {
	return w.Get(name, n)
}

// Names returns the parameter names present in the store.
func (w *Weights) Names() []string {
	var names []string
	for name := range w.params {
		names = append(names, name)
	}
	return names
}
