// Command image3d runs the image-to-3D pipeline on a single input image,
// writing rendered views as PNG files and the extracted surface as a mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/unixpickle/essentials"
	"go.uber.org/zap"

	"github.com/df07/image3d/pipeline"
)

func main() {
	var configPath string
	var weightsPath string
	var imagePath string
	var outDir string
	var views int
	var elevation float64
	var distance float64
	var fovy float64
	var size int
	var mcResolution int
	var threshold float64
	var meshFormat string
	flag.StringVar(&configPath, "config", "config.yaml", "model configuration file")
	flag.StringVar(&weightsPath, "weights", "weights.json", "model weights file")
	flag.StringVar(&imagePath, "image", "", "input image (PNG or JPEG)")
	flag.StringVar(&outDir, "out", "output", "output directory")
	flag.IntVar(&views, "views", 0, "number of rendered views (0 to skip rendering)")
	flag.Float64Var(&elevation, "elevation", 0, "camera elevation in degrees")
	flag.Float64Var(&distance, "distance", 1.9, "camera distance from the origin")
	flag.Float64Var(&fovy, "fovy", 40, "vertical field of view in degrees")
	flag.IntVar(&size, "size", 256, "rendered image size in pixels")
	flag.IntVar(&mcResolution, "mc-resolution", 256, "marching cubes grid resolution")
	flag.Float64Var(&threshold, "threshold", 25.0, "density iso-level for mesh extraction")
	flag.StringVar(&meshFormat, "mesh-format", "obj", "mesh output format (obj or stl)")
	flag.Parse()

	if imagePath == "" {
		essentials.Die("missing required flag: -image")
	}
	if meshFormat != "obj" && meshFormat != "stl" {
		essentials.Die("unknown mesh format:", meshFormat)
	}

	logger, err := zap.NewDevelopment()
	essentials.Must(err)
	defer logger.Sync()

	system, err := pipeline.LoadSystem(configPath, weightsPath, pipeline.WithLogger(logger))
	essentials.Must(err)

	f, err := os.Open(imagePath)
	essentials.Must(err)
	img, _, err := image.Decode(f)
	f.Close()
	essentials.Must(err)

	essentials.Must(os.MkdirAll(outDir, 0755))

	ctx := context.Background()
	codes, err := system.Generate(ctx, []image.Image{img})
	essentials.Must(err)

	if views > 0 {
		opts := pipeline.DefaultRenderOptions()
		opts.NViews = views
		opts.ElevationDeg = elevation
		opts.CameraDistance = distance
		opts.FovyDeg = fovy
		opts.Height, opts.Width = size, size
		opts.Format = pipeline.FormatImage

		frames, err := system.Render(ctx, codes, opts)
		essentials.Must(err)
		for i, frame := range frames[0] {
			essentials.Must(savePNG(filepath.Join(outDir, fmt.Sprintf("render_%03d.png", i)), frame.Image))
		}
		logger.Info("wrote rendered views", zap.Int("count", len(frames[0])))
	}

	meshes, err := system.ExtractMeshes(ctx, codes, mcResolution, threshold)
	essentials.Must(err)
	if len(meshes) == 0 {
		essentials.Die("mesh extraction produced no mesh")
	}

	meshPath := filepath.Join(outDir, "mesh."+meshFormat)
	if meshFormat == "stl" {
		essentials.Must(meshes[0].SaveSTL(meshPath))
	} else {
		essentials.Must(saveOBJ(meshPath, meshes[0]))
	}
	logger.Info("wrote mesh", zap.String("path", meshPath),
		zap.Int("vertices", len(meshes[0].Vertices)), zap.Int("faces", len(meshes[0].Faces)))
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func saveOBJ(path string, mesh *pipeline.Mesh) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := mesh.WriteOBJ(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
