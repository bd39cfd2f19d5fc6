// Package server exposes the image-to-3D pipeline over HTTP: health
// checks, rendered views as PNG, and extracted meshes as OBJ.
package server

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/df07/image3d/pipeline"
)

// Server handles web requests for a loaded pipeline system.
type Server struct {
	port   int
	system *pipeline.System
	logger *zap.Logger
}

// NewServer creates a new web server around a loaded system.
func NewServer(port int, system *pipeline.System, logger *zap.Logger) *Server {
	return &Server{port: port, system: system, logger: logger}
}

// Handler returns the route table. Split out from Start so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir("static/")))
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/render", s.handleRender)
	mux.HandleFunc("/api/mesh", s.handleMesh)
	return mux
}

// Start starts the web server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting server", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok", "service": "image3d"}`))
}

// handleRender accepts an image in the request body (PNG or JPEG) and
// responds with one rendered view as PNG. Query parameters: views (number
// of spherical views), view (which one to return), elevation, distance,
// fovy, size.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	opts := pipeline.DefaultRenderOptions()
	opts.NViews = queryInt(r, "views", opts.NViews)
	opts.ElevationDeg = queryFloat(r, "elevation", opts.ElevationDeg)
	opts.CameraDistance = queryFloat(r, "distance", opts.CameraDistance)
	opts.FovyDeg = queryFloat(r, "fovy", opts.FovyDeg)
	size := queryInt(r, "size", opts.Height)
	opts.Height, opts.Width = size, size
	opts.Format = pipeline.FormatImage
	view := queryInt(r, "view", 0)
	if view < 0 || view >= opts.NViews {
		http.Error(w, fmt.Sprintf("view %d out of range for %d views", view, opts.NViews), http.StatusBadRequest)
		return
	}
	img, _, err := image.Decode(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("decoding image: %v", err), http.StatusBadRequest)
		return
	}

	codes, err := s.system.Generate(r.Context(), []image.Image{img})
	if err != nil {
		s.logger.Error("scene code generation failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("generating scene code: %v", err), http.StatusInternalServerError)
		return
	}
	frames, err := s.system.Render(r.Context(), codes, opts)
	if err != nil {
		s.logger.Error("render failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("rendering: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, frames[0][view].Image); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

// handleMesh accepts an image in the request body and responds with an
// extracted iso-surface mesh as a Wavefront OBJ document. Query
// parameters: resolution (marching cubes grid), threshold (density
// iso-level).
func (s *Server) handleMesh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	img, _, err := image.Decode(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("decoding image: %v", err), http.StatusBadRequest)
		return
	}
	resolution := queryInt(r, "resolution", 256)
	threshold := queryFloat(r, "threshold", 25.0)

	codes, err := s.system.Generate(r.Context(), []image.Image{img})
	if err != nil {
		s.logger.Error("scene code generation failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("generating scene code: %v", err), http.StatusInternalServerError)
		return
	}
	meshes, err := s.system.ExtractMeshes(r.Context(), codes, resolution, threshold)
	if err != nil {
		s.logger.Error("mesh extraction failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("extracting mesh: %v", err), http.StatusInternalServerError)
		return
	}
	if len(meshes) == 0 {
		http.Error(w, "mesh extraction produced no mesh", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "model/obj")
	w.Header().Set("Content-Disposition", `attachment; filename="mesh.obj"`)
	if err := meshes[0].WriteOBJ(w); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return def
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	if s := r.URL.Query().Get(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return def
}
