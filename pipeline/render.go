package pipeline

import (
	"fmt"
	"image"
	"math"

	"github.com/df07/image3d/pipeline/modules"
)

// Format selects how rendered views are returned.
type Format string

const (
	// FormatTensor returns the raw float image backing the render.
	FormatTensor Format = "pt"
	// FormatArray returns a detached flat float64 copy (H*W*3).
	FormatArray Format = "np"
	// FormatImage returns an 8-bit image.Image.
	FormatImage Format = "pil"
)

// RenderOptions parameterize one render call.
type RenderOptions struct {
	NViews         int
	ElevationDeg   float64
	CameraDistance float64
	FovyDeg        float64
	Height         int
	Width          int
	Format         Format
}

// DefaultRenderOptions mirror the model's nominal camera setup.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		NViews:         1,
		ElevationDeg:   0,
		CameraDistance: 1.9,
		FovyDeg:        40,
		Height:         256,
		Width:          256,
		Format:         FormatImage,
	}
}

// Frame is one rendered view in the requested format. Exactly one of the
// payload fields is set, matching Format.
type Frame struct {
	Format Format
	Tensor *modules.FloatImage
	Array  []float64
	Image  image.Image
}

// convertFrame packages a rendered float image into the requested format.
// An unknown format is a caller programming error and fails immediately.
func convertFrame(img *modules.FloatImage, format Format) (Frame, error) {
	switch format {
	case FormatTensor:
		return Frame{Format: format, Tensor: img}, nil
	case FormatArray:
		arr := make([]float64, len(img.Pix))
		copy(arr, img.Pix)
		return Frame{Format: format, Array: arr}, nil
	case FormatImage:
		return Frame{Format: format, Image: toByteImage(img)}, nil
	default:
		return Frame{}, fmt.Errorf("render format %q not implemented", format)
	}
}

// toByteImage converts to 8-bit via round(x*255) and an unsigned-byte
// conversion. Values are NOT clamped: callers must keep inputs in [0,1],
// out-of-range values wrap per integer conversion.
func toByteImage(img *modules.FloatImage) image.Image {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			c := img.At(x, y)
			i := out.PixOffset(x, y)
			out.Pix[i] = uint8(int(math.Round(c[0] * 255)))
			out.Pix[i+1] = uint8(int(math.Round(c[1] * 255)))
			out.Pix[i+2] = uint8(int(math.Round(c[2] * 255)))
			out.Pix[i+3] = 255
		}
	}
	return out
}
