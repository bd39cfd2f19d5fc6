package pipeline

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModuleConfig names which registered implementation fills a module role,
// plus that implementation's own options.
type ModuleConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:",inline"`
}

// Config describes a complete model: the conditioning image size and one
// module section per pipeline role.
type Config struct {
	CondImageSize int `yaml:"cond_image_size"`

	ImageTokenizer ModuleConfig `yaml:"image_tokenizer"`
	Tokenizer      ModuleConfig `yaml:"tokenizer"`
	Backbone       ModuleConfig `yaml:"backbone"`
	PostProcessor  ModuleConfig `yaml:"post_processor"`
	Decoder        ModuleConfig `yaml:"decoder"`
	Renderer       ModuleConfig `yaml:"renderer"`
}

// Validate rejects configs that cannot possibly construct a system.
func (c Config) Validate() error {
	if c.CondImageSize <= 0 {
		return fmt.Errorf("cond_image_size must be positive, got %d", c.CondImageSize)
	}
	sections := []struct {
		key string
		mc  ModuleConfig
	}{
		{"image_tokenizer", c.ImageTokenizer},
		{"tokenizer", c.Tokenizer},
		{"backbone", c.Backbone},
		{"post_processor", c.PostProcessor},
		{"decoder", c.Decoder},
		{"renderer", c.Renderer},
	}
	for _, s := range sections {
		if s.mc.Name == "" {
			return fmt.Errorf("config section %q has no module name", s.key)
		}
	}
	return nil
}

// LoadConfig reads a YAML config file, resolves ${a.b} references against
// the document itself, and decodes the result. Malformed documents and
// unresolvable references fail immediately.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes a YAML config document from memory.
func ParseConfig(raw []byte) (Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	resolved, err := resolveValue(doc, doc, 0)
	if err != nil {
		return Config{}, fmt.Errorf("resolving config references: %w", err)
	}

	flat, err := yaml.Marshal(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("re-encoding config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(flat, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// maxRefDepth bounds chained references so reference cycles fail instead
// of looping.
const maxRefDepth = 8

func resolveValue(v any, root map[string]any, depth int) (any, error) {
	if depth > maxRefDepth {
		return nil, fmt.Errorf("reference chain too deep (cycle?)")
	}
	switch val := v.(type) {
	case string:
		return resolveString(val, root, depth)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, root, depth)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, root, depth)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, root map[string]any, depth int) (any, error) {
	// A string that is exactly one reference keeps the referent's type.
	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		target, err := lookupPath(root, m[1])
		if err != nil {
			return nil, err
		}
		return resolveValue(target, root, depth+1)
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		path := refPattern.FindStringSubmatch(ref)[1]
		target, err := lookupPath(root, path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		resolved, err := resolveValue(target, root, depth+1)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		return fmt.Sprint(resolved)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func lookupPath(root map[string]any, path string) (any, error) {
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("reference %q traverses a non-mapping value", path)
		}
		cur, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("reference %q names a missing key %q", path, seg)
		}
	}
	return cur, nil
}
