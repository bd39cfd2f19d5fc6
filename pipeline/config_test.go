package pipeline

import (
	"strings"
	"testing"
)

func TestParseConfigResolvesReferences(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.CondImageSize != 16 {
		t.Errorf("cond_image_size = %d, want 16", cfg.CondImageSize)
	}
	// ${tokenizer.dim} references keep the referent's integer type.
	if got := cfg.ImageTokenizer.Options["dim"]; got != 8 {
		t.Errorf("image_tokenizer.dim = %v (%T), want 8", got, got)
	}
	if got := cfg.ImageTokenizer.Options["image_size"]; got != 16 {
		t.Errorf("image_tokenizer.image_size = %v, want 16", got)
	}
	if cfg.Renderer.Name != "volume" {
		t.Errorf("renderer name = %q, want volume", cfg.Renderer.Name)
	}
}

func TestParseConfigEmbeddedReference(t *testing.T) {
	yaml := strings.Replace(testConfigYAML, "name: volume", "name: vol${tokenizer.plane_res}", 1)
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.Renderer.Name != "vol4" {
		t.Errorf("renderer name = %q, want vol4", cfg.Renderer.Name)
	}
}

func TestParseConfigMissingReference(t *testing.T) {
	yaml := strings.Replace(testConfigYAML, "image_size: ${cond_image_size}", "image_size: ${no.such.key}", 1)
	if _, err := ParseConfig([]byte(yaml)); err == nil {
		t.Error("unresolvable reference must fail")
	}
}

func TestParseConfigMalformed(t *testing.T) {
	if _, err := ParseConfig([]byte("cond_image_size: [not: valid")); err == nil {
		t.Error("malformed YAML must fail")
	}
}

func TestParseConfigMissingModuleName(t *testing.T) {
	yaml := strings.Replace(testConfigYAML, "name: crossattn", "layers_only: true", 1)
	if _, err := ParseConfig([]byte(yaml)); err == nil {
		t.Error("a module section without a name must fail")
	}
}

func TestParseConfigRejectsNonPositiveImageSize(t *testing.T) {
	yaml := strings.Replace(testConfigYAML, "cond_image_size: 16", "cond_image_size: 0", 1)
	if _, err := ParseConfig([]byte(yaml)); err == nil {
		t.Error("cond_image_size of 0 must fail validation")
	}
}
