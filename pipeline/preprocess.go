package pipeline

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/df07/image3d/pipeline/modules"
)

// ImagePreprocessor normalizes input images into fixed-size float RGB
// tensors. Transparent pixels are blended over a 0.5 gray background so
// the tokenizer sees a consistent backdrop.
type ImagePreprocessor struct{}

// ProcessImage resamples a decoded image to size x size and converts it to
// float RGB in [0,1].
func (ImagePreprocessor) ProcessImage(src image.Image, size int) *modules.FloatImage {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	out := modules.NewFloatImage(size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := dst.NRGBAAt(x, y)
			a := float64(c.A) / 255
			out.Set(x, y, [3]float64{
				float64(c.R)/255*a + 0.5*(1-a),
				float64(c.G)/255*a + 0.5*(1-a),
				float64(c.B)/255*a + 0.5*(1-a),
			})
		}
	}
	return out
}

// ProcessFloat resamples an already-decoded float tensor to size x size
// with bilinear interpolation. Inputs are assumed opaque RGB in [0,1].
func (ImagePreprocessor) ProcessFloat(src *modules.FloatImage, size int) *modules.FloatImage {
	if src.Width == size && src.Height == size {
		return src.Clone()
	}

	out := modules.NewFloatImage(size, size)
	sx := float64(src.Width) / float64(size)
	sy := float64(src.Height) / float64(size)
	for y := 0; y < size; y++ {
		fy := (float64(y)+0.5)*sy - 0.5
		y0 := clampIndex(int(fy), src.Height)
		y1 := clampIndex(y0+1, src.Height)
		ty := fy - float64(y0)
		if ty < 0 {
			ty = 0
		}
		for x := 0; x < size; x++ {
			fx := (float64(x)+0.5)*sx - 0.5
			x0 := clampIndex(int(fx), src.Width)
			x1 := clampIndex(x0+1, src.Width)
			tx := fx - float64(x0)
			if tx < 0 {
				tx = 0
			}

			c00 := src.At(x0, y0)
			c10 := src.At(x1, y0)
			c01 := src.At(x0, y1)
			c11 := src.At(x1, y1)
			var c [3]float64
			for i := 0; i < 3; i++ {
				top := c00[i]*(1-tx) + c10[i]*tx
				bot := c01[i]*(1-tx) + c11[i]*tx
				c[i] = top*(1-ty) + bot*ty
			}
			out.Set(x, y, c)
		}
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}
