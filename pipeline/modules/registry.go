package modules

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Factory constructs one module implementation from its configuration
// options and the shared weight store.
type Factory[T any] func(opts map[string]any, w *Weights) (T, error)

// Registry maps configuration names to module factories for one role.
// Registries are populated once at startup and then read-only.
type Registry[T any] struct {
	factories map[string]Factory[T]
}

// NewRegistry creates an empty registry for one module role.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]Factory[T])}
}

// Register adds a named factory. A later registration under the same name
// replaces the earlier one.
func (r *Registry[T]) Register(name string, f Factory[T]) {
	r.factories[name] = f
}

// New constructs the implementation registered under name. An unknown name
// is a configuration error and fails immediately.
func (r *Registry[T]) New(name string, opts map[string]any, w *Weights) (T, error) {
	f, ok := r.factories[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("module %q not registered (available: %v)", name, r.Names())
	}
	return f(opts, w)
}

// Names returns all registered names, sorted.
func (r *Registry[T]) Names() []string {
	var names []string
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions maps a module's raw option map onto a typed options
// struct using its yaml tags.
func DecodeOptions(opts map[string]any, out any) error {
	raw, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encoding module options: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding module options: %w", err)
	}
	return nil
}
