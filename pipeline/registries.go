package pipeline

import (
	"github.com/df07/image3d/pipeline/modules"
	"github.com/df07/image3d/pipeline/modules/crossattn"
	"github.com/df07/image3d/pipeline/modules/dino"
	"github.com/df07/image3d/pipeline/modules/nerf"
	"github.com/df07/image3d/pipeline/modules/triplane"
)

// Registries holds one factory registry per module role. The config's
// module names are looked up here during system construction.
type Registries struct {
	ImageTokenizers *modules.Registry[modules.ImageTokenizer]
	SceneTokenizers *modules.Registry[modules.SceneTokenizer]
	Backbones       *modules.Registry[modules.Backbone]
	PostProcessors  *modules.Registry[modules.PostProcessor]
	Decoders        *modules.Registry[modules.Decoder]
	Renderers       *modules.Registry[modules.Renderer]
}

// DefaultRegistries wires the built-in implementations under their
// canonical names.
func DefaultRegistries() *Registries {
	r := &Registries{
		ImageTokenizers: modules.NewRegistry[modules.ImageTokenizer](),
		SceneTokenizers: modules.NewRegistry[modules.SceneTokenizer](),
		Backbones:       modules.NewRegistry[modules.Backbone](),
		PostProcessors:  modules.NewRegistry[modules.PostProcessor](),
		Decoders:        modules.NewRegistry[modules.Decoder](),
		Renderers:       modules.NewRegistry[modules.Renderer](),
	}
	r.ImageTokenizers.Register(dino.Name, dino.New)
	r.SceneTokenizers.Register(triplane.TokenizerName, triplane.NewTokenizer)
	r.Backbones.Register(crossattn.Name, crossattn.New)
	r.PostProcessors.Register(triplane.PostProcessorName, triplane.NewPostProcessor)
	r.Decoders.Register(nerf.DecoderName, nerf.NewDecoder)
	r.Renderers.Register(nerf.RendererName, nerf.NewRenderer)
	return r
}
